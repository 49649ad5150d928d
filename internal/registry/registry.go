// ABOUTME: Authoritative map of which agents are reachable right now and what devices they expose.
// ABOUTME: One session per (tenant, agent); supersession on reconnect, never merge.

package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/stallmart/edge-bridge/internal/protocol"
)

// DefaultLivenessWindow is how long since the last heartbeat a session is
// still considered alive for dispatch.
const DefaultLivenessWindow = 5 * time.Minute

// Device mirrors a peripheral declared by an agent. Status is
// edge-authoritative; the registry only records what the agent reported.
type Device struct {
	ID        string
	Type      protocol.DeviceType
	Status    protocol.DeviceStatus
	Primary   bool
	Model     string
	UpdatedAt time.Time
	Details   map[string]string
}

// AgentConnection is one live channel session. The record is mutated in
// place under its own lock; readers get copies.
type AgentConnection struct {
	mu sync.Mutex

	TenantID      string
	AgentID       string
	SessionID     string
	UserID        string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Devices       map[string]*Device
}

// Snapshot is a read-only copy of an AgentConnection.
type Snapshot struct {
	TenantID      string
	AgentID       string
	SessionID     string
	UserID        string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Devices       []Device
}

func (c *AgentConnection) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		TenantID:      c.TenantID,
		AgentID:       c.AgentID,
		SessionID:     c.SessionID,
		UserID:        c.UserID,
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.LastHeartbeat,
	}
	for _, d := range c.Devices {
		s.Devices = append(s.Devices, *d)
	}
	return s
}

// Stats is the read-only observability view of the registry.
type Stats struct {
	ConnectedAgents int `json:"connected_agents"`
	Tenants         int `json:"tenants"`
	Devices         int `json:"devices"`
}

// Registry tracks live agent sessions per (tenant, agent). The outer map
// lock is held only for lookup and insert; record mutation takes the
// per-record lock, so updates for different agents never contend.
type Registry struct {
	mu             sync.RWMutex
	agents         map[string]*AgentConnection // key: tenant + "/" + agent
	livenessWindow time.Duration
	logger         *slog.Logger
}

// New creates a Registry. A livenessWindow of zero means the default.
func New(livenessWindow time.Duration, logger *slog.Logger) *Registry {
	if livenessWindow <= 0 {
		livenessWindow = DefaultLivenessWindow
	}
	return &Registry{
		agents:         make(map[string]*AgentConnection),
		livenessWindow: livenessWindow,
		logger:         logger.With("component", "registry"),
	}
}

func key(tenantID, agentID string) string {
	return tenantID + "/" + agentID
}

// Register records a new session for (tenant, agent). If a prior session
// exists it is superseded: the registry stops considering it for dispatch
// and returns its session id so the caller can close the old socket.
func (r *Registry) Register(tenantID, agentID, sessionID, userID string) (superseded string) {
	now := time.Now()
	conn := &AgentConnection{
		TenantID:      tenantID,
		AgentID:       agentID,
		SessionID:     sessionID,
		UserID:        userID,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Devices:       make(map[string]*Device),
	}

	r.mu.Lock()
	prev := r.agents[key(tenantID, agentID)]
	r.agents[key(tenantID, agentID)] = conn
	r.mu.Unlock()

	if prev != nil {
		superseded = prev.SessionID
		r.logger.Info("agent session superseded",
			"tenant_id", tenantID,
			"agent_id", agentID,
			"old_session", prev.SessionID,
			"new_session", sessionID,
		)
	} else {
		r.logger.Info("agent connected",
			"tenant_id", tenantID,
			"agent_id", agentID,
			"session_id", sessionID,
		)
	}
	return superseded
}

// Unregister removes the session only if sessionID is still the one on
// record, so a stale disconnect can never erase a fresher session.
// Returns true if the session was removed.
func (r *Registry) Unregister(tenantID, agentID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.agents[key(tenantID, agentID)]
	if !ok || conn.SessionID != sessionID {
		return false
	}
	delete(r.agents, key(tenantID, agentID))
	r.logger.Info("agent disconnected",
		"tenant_id", tenantID,
		"agent_id", agentID,
		"session_id", sessionID,
	)
	return true
}

func (r *Registry) get(tenantID, agentID string) *AgentConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[key(tenantID, agentID)]
}

// UpdateDeviceInfo replaces the declared device list for an agent.
// A missing session is a normal condition, not an error.
func (r *Registry) UpdateDeviceInfo(tenantID, agentID string, devices []protocol.DeviceInfo) {
	conn := r.get(tenantID, agentID)
	if conn == nil {
		return
	}

	now := time.Now()
	conn.mu.Lock()
	conn.Devices = make(map[string]*Device, len(devices))
	for _, d := range devices {
		conn.Devices[d.DeviceID] = &Device{
			ID:        d.DeviceID,
			Type:      d.Type,
			Status:    d.Status,
			Primary:   d.Primary,
			Model:     d.Model,
			UpdatedAt: now,
		}
	}
	conn.mu.Unlock()
}

// UpdateHeartbeat refreshes the session's liveness timestamp.
func (r *Registry) UpdateHeartbeat(tenantID, agentID string) {
	conn := r.get(tenantID, agentID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	conn.LastHeartbeat = time.Now()
	conn.mu.Unlock()
}

// UpdateDeviceStatus records a status report for one device. Last write
// wins per field; an unknown device is added rather than rejected.
func (r *Registry) UpdateDeviceStatus(tenantID, agentID, deviceID string, status protocol.DeviceStatus, details map[string]string) {
	conn := r.get(tenantID, agentID)
	if conn == nil {
		return
	}

	conn.mu.Lock()
	dev, ok := conn.Devices[deviceID]
	if !ok {
		dev = &Device{ID: deviceID}
		conn.Devices[deviceID] = dev
	}
	dev.Status = status
	dev.Details = details
	dev.UpdatedAt = time.Now()
	conn.mu.Unlock()
}

// GetActiveAgent returns the session with the most recent heartbeat for a
// tenant. Sessions outside the liveness window are not considered; with
// none inside it, ok is false (agent offline, a reportable condition).
func (r *Registry) GetActiveAgent(tenantID string) (Snapshot, bool) {
	r.mu.RLock()
	var candidates []*AgentConnection
	for _, conn := range r.agents {
		if conn.TenantID == tenantID {
			candidates = append(candidates, conn)
		}
	}
	r.mu.RUnlock()

	cutoff := time.Now().Add(-r.livenessWindow)
	var best Snapshot
	found := false
	for _, conn := range candidates {
		s := conn.snapshot()
		if s.LastHeartbeat.Before(cutoff) {
			continue
		}
		if !found || s.LastHeartbeat.After(best.LastHeartbeat) {
			best = s
			found = true
		}
	}
	return best, found
}

// GetAgent returns the current session for (tenant, agent), if any.
func (r *Registry) GetAgent(tenantID, agentID string) (Snapshot, bool) {
	conn := r.get(tenantID, agentID)
	if conn == nil {
		return Snapshot{}, false
	}
	return conn.snapshot(), true
}

// IsConnected reports whether (tenant, agent) has a session on record.
func (r *Registry) IsConnected(tenantID, agentID string) bool {
	return r.get(tenantID, agentID) != nil
}

// ListAgents returns snapshots of every registered session.
func (r *Registry) ListAgents() []Snapshot {
	r.mu.RLock()
	conns := make([]*AgentConnection, 0, len(r.agents))
	for _, c := range r.agents {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.snapshot())
	}
	return out
}

// Statistics returns aggregate counts for observability.
func (r *Registry) Statistics() Stats {
	snapshots := r.ListAgents()

	tenants := make(map[string]struct{})
	devices := 0
	for _, s := range snapshots {
		tenants[s.TenantID] = struct{}{}
		devices += len(s.Devices)
	}
	return Stats{
		ConnectedAgents: len(snapshots),
		Tenants:         len(tenants),
		Devices:         devices,
	}
}
