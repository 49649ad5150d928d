// ABOUTME: HTTP observability API over the registry and command processor.
// ABOUTME: Serves the operator CLI: health, stats, agents, command lookup and cancel.

package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/stallmart/edge-bridge/internal/command"
	"github.com/stallmart/edge-bridge/internal/registry"
)

// WaiterCounter reports how many dispatch attempts are currently blocked.
type WaiterCounter interface {
	PendingWaiters() int
}

// API exposes read-only dispatch state plus command cancellation.
type API struct {
	registry  *registry.Registry
	processor *command.Processor
	waiters   WaiterCounter
	serverID  string
	logger    *slog.Logger
}

// NewAPI creates the HTTP API. waiters may be nil.
func NewAPI(reg *registry.Registry, proc *command.Processor, waiters WaiterCounter, serverID string, logger *slog.Logger) *API {
	return &API{
		registry:  reg,
		processor: proc,
		waiters:   waiters,
		serverID:  serverID,
		logger:    logger.With("component", "api"),
	}
}

// Routes registers the API handlers on a mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/agents", a.handleAgents)
	mux.HandleFunc("GET /api/commands/{id}", a.handleCommand)
	mux.HandleFunc("POST /api/commands/{id}/cancel", a.handleCancel)
	mux.HandleFunc("GET /api/agents/{tenant}/pending", a.handlePending)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"server_id": a.serverID,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := struct {
		Registry registry.Stats `json:"registry"`
		Commands command.Stats  `json:"commands"`
		Waiters  int            `json:"waiting_attempts"`
	}{
		Registry: a.registry.Statistics(),
		Commands: a.processor.Statistics(),
	}
	if a.waiters != nil {
		stats.Waiters = a.waiters.PendingWaiters()
	}
	writeJSON(w, http.StatusOK, stats)
}

// agentView is the JSON shape for one registered session.
type agentView struct {
	TenantID      string       `json:"tenant_id"`
	AgentID       string       `json:"agent_id"`
	SessionID     string       `json:"session_id"`
	ConnectedAt   time.Time    `json:"connected_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Devices       []deviceView `json:"devices"`
}

type deviceView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Primary   bool      `json:"primary"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toAgentView(s registry.Snapshot) agentView {
	v := agentView{
		TenantID:      s.TenantID,
		AgentID:       s.AgentID,
		SessionID:     s.SessionID,
		ConnectedAt:   s.ConnectedAt,
		LastHeartbeat: s.LastHeartbeat,
		Devices:       []deviceView{},
	}
	for _, d := range s.Devices {
		v.Devices = append(v.Devices, deviceView{
			ID:        d.ID,
			Type:      string(d.Type),
			Status:    string(d.Status),
			Primary:   d.Primary,
			UpdatedAt: d.UpdatedAt,
		})
	}
	return v
}

func (a *API) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := a.registry.ListAgents()
	out := make([]agentView, 0, len(agents))
	for _, s := range agents {
		out = append(out, toAgentView(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// commandView is the JSON shape for one command record.
type commandView struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	AgentID     string    `json:"agent_id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	QueuedAt    time.Time `json:"queued_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Retries     int       `json:"retries"`
	TimeoutMS   int64     `json:"timeout_ms"`
}

func toCommandView(c *command.Command) commandView {
	return commandView{
		ID:          c.ID,
		TenantID:    c.TenantID,
		AgentID:     c.AgentID,
		Type:        string(c.Type),
		Status:      string(c.Status),
		QueuedAt:    c.QueuedAt,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
		Retries:     c.Retries,
		TimeoutMS:   c.Timeout.Milliseconds(),
	}
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := a.processor.GetCommandStatus(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "command not found"})
		return
	}
	writeJSON(w, http.StatusOK, toCommandView(cmd))
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cmd, ok := a.processor.GetCommandStatus(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "command not found"})
		return
	}
	cancelled := a.processor.CancelCommand(cmd.TenantID, cmd.AgentID, id)
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		if snap, ok := a.registry.GetActiveAgent(tenantID); ok {
			agentID = snap.AgentID
		}
	}

	pending := a.processor.GetPendingCommands(tenantID, agentID)
	out := make([]commandView, 0, len(pending))
	for _, c := range pending {
		out = append(out, toCommandView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}
