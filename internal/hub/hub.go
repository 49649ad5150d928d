// ABOUTME: Server side of the bidirectional channel; the only component touching raw connection lifecycle.
// ABOUTME: Demultiplexes inbound agent envelopes into registry/processor calls and pushes commands out.

package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stallmart/edge-bridge/internal/auth"
	"github.com/stallmart/edge-bridge/internal/command"
	"github.com/stallmart/edge-bridge/internal/protocol"
	"github.com/stallmart/edge-bridge/internal/registry"
)

// ResultResolver delivers a correlated command result to whatever attempt
// is waiting on it. The dispatcher implements it.
type ResultResolver interface {
	Resolve(commandID string, res *protocol.CommandResultPayload) bool
}

// TenantEvent is pushed to cloud-side observers of a tenant when agent or
// device state changes.
type TenantEvent struct {
	Type    protocol.MessageType
	AgentID string
	Device  *protocol.ReportDeviceStatusPayload
}

// Hub accepts agent connections, resolves identity from connection
// metadata, and bridges the channel to the registry and processor.
// Undelivered outbound pushes are not buffered: a tenant with no
// connected agent has no hardware to control regardless.
type Hub struct {
	registry  *registry.Registry
	processor *command.Processor
	verifier  auth.TokenVerifier
	serverID  string
	logger    *slog.Logger

	upgrader websocket.Upgrader

	mu        sync.RWMutex
	conns     map[string]*Conn                         // tenant/agent -> live conn
	sessions  map[string]*Conn                         // session id -> conn
	observers map[string]map[chan TenantEvent]struct{} // tenant -> subscribers

	resolver ResultResolver
}

// New creates a Hub.
func New(reg *registry.Registry, proc *command.Processor, verifier auth.TokenVerifier, logger *slog.Logger) *Hub {
	return &Hub{
		registry:  reg,
		processor: proc,
		verifier:  verifier,
		serverID:  uuid.New().String(),
		logger:    logger.With("component", "hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:     make(map[string]*Conn),
		sessions:  make(map[string]*Conn),
		observers: make(map[string]map[chan TenantEvent]struct{}),
	}
}

// SetResultResolver wires the dispatcher in after construction.
func (h *Hub) SetResultResolver(r ResultResolver) {
	h.resolver = r
}

// ServerID identifies this gateway instance in handshakes.
func (h *Hub) ServerID() string { return h.serverID }

func connKey(tenantID, agentID string) string {
	return tenantID + "/" + agentID
}

// HandleAgent upgrades an agent connection. Identity comes from the
// bearer token (header or query), resolved once and reused for the whole
// session. The first message must be RegisterAgent.
func (h *Hub) HandleAgent(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	id, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Warn("agent auth failed", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sessionID := uuid.New().String()
	conn := newConn(ws, id.TenantID, id.AgentID, sessionID,
		h.logger.With("tenant_id", id.TenantID, "agent_id", id.AgentID, "session_id", sessionID))

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(registerWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go conn.writePump()

	// Register-first handshake.
	reg, err := h.readRegister(ws)
	if err != nil {
		conn.logger.Warn("registration handshake failed", "error", err)
		h.sendError(conn, "REGISTER_REQUIRED", err.Error())
		conn.Close()
		return
	}
	ws.SetReadDeadline(time.Now().Add(pongWait))

	h.attach(conn, reg)
	defer h.detach(conn)

	h.readLoop(conn)
}

func bearerToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// readRegister waits for the mandatory first RegisterAgent envelope.
func (h *Hub) readRegister(ws *websocket.Conn) (*protocol.RegisterAgentPayload, error) {
	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return nil, err
	}
	if env.Type != protocol.MsgRegisterAgent {
		return nil, errFirstMessage
	}
	var reg protocol.RegisterAgentPayload
	if err := env.Decode(&reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

var errFirstMessage = firstMessageError{}

type firstMessageError struct{}

func (firstMessageError) Error() string { return "first message must be RegisterAgent" }

// attach records the session, supersedes any old one, and acknowledges.
func (h *Hub) attach(conn *Conn, reg *protocol.RegisterAgentPayload) {
	superseded := h.registry.Register(conn.TenantID, conn.AgentID, conn.SessionID, "")
	h.registry.UpdateDeviceInfo(conn.TenantID, conn.AgentID, reg.Devices)

	h.mu.Lock()
	h.conns[connKey(conn.TenantID, conn.AgentID)] = conn
	h.sessions[conn.SessionID] = conn
	old := h.sessions[superseded]
	h.mu.Unlock()

	// The registry already stopped considering the superseded session;
	// closing its socket is a courtesy to the stale peer.
	if old != nil {
		old.Close()
	}

	if env, err := protocol.NewEnvelope(protocol.MsgConnected, &protocol.ConnectedPayload{
		ServerID:  h.serverID,
		SessionID: conn.SessionID,
		TenantID:  conn.TenantID,
		AgentID:   conn.AgentID,
	}); err == nil {
		conn.SendEnvelope(env)
	}

	h.broadcast(conn.TenantID, TenantEvent{Type: protocol.MsgAgentRegistered, AgentID: conn.AgentID})
}

// detach unregisters the session, but only if it is still the one on
// record; a stale disconnect never erases a fresher session.
func (h *Hub) detach(conn *Conn) {
	conn.Close()

	h.mu.Lock()
	delete(h.sessions, conn.SessionID)
	if h.conns[connKey(conn.TenantID, conn.AgentID)] == conn {
		delete(h.conns, connKey(conn.TenantID, conn.AgentID))
	}
	h.mu.Unlock()

	if h.registry.Unregister(conn.TenantID, conn.AgentID, conn.SessionID) {
		h.broadcast(conn.TenantID, TenantEvent{Type: protocol.MsgAgentUnregistered, AgentID: conn.AgentID})
	}
}

// readLoop demultiplexes inbound envelopes until the connection drops.
func (h *Hub) readLoop(conn *Conn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.logger.Warn("connection dropped", "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			conn.logger.Warn("malformed envelope", "error", err)
			h.sendError(conn, "MALFORMED_ENVELOPE", "could not parse message")
			continue
		}

		switch env.Type {
		case protocol.MsgHeartbeat:
			h.registry.UpdateHeartbeat(conn.TenantID, conn.AgentID)

		case protocol.MsgRegisterAgent:
			// Re-announcement on the same session, e.g. a device was
			// plugged in or removed.
			var reg protocol.RegisterAgentPayload
			if err := env.Decode(&reg); err != nil {
				conn.logger.Warn("bad device info", "error", err)
				continue
			}
			h.registry.UpdateDeviceInfo(conn.TenantID, conn.AgentID, reg.Devices)

		case protocol.MsgReportDeviceStatus:
			var rep protocol.ReportDeviceStatusPayload
			if err := env.Decode(&rep); err != nil {
				conn.logger.Warn("bad device status report", "error", err)
				continue
			}
			h.registry.UpdateDeviceStatus(conn.TenantID, conn.AgentID, rep.DeviceID, rep.Status, rep.Details)
			h.broadcast(conn.TenantID, TenantEvent{
				Type:    protocol.MsgReportDeviceStatus,
				AgentID: conn.AgentID,
				Device:  &rep,
			})

		case protocol.MsgReportCommandResult:
			var res protocol.CommandResultPayload
			if err := env.Decode(&res); err != nil {
				conn.logger.Warn("bad command result", "error", err)
				continue
			}
			h.handleResult(conn, &res)

		case protocol.MsgUnregisterAgent:
			conn.logger.Info("agent requested unregister")
			return

		default:
			conn.logger.Warn("unexpected message type", "type", env.Type)
		}
	}
}

// handleResult applies a command result to the processor, then wakes the
// waiting attempt, if one still is. Late or replayed results resolve no
// one; they are logged and discarded.
func (h *Hub) handleResult(conn *Conn, res *protocol.CommandResultPayload) {
	cmd, outcome := h.processor.ProcessResponse(conn.TenantID, conn.AgentID, res)

	switch outcome {
	case command.OutcomeUnknown:
		conn.logger.Warn("result for unknown command", "command_id", res.CommandID)
		return
	case command.OutcomeDuplicate:
		conn.logger.Debug("duplicate result discarded",
			"command_id", res.CommandID,
			"status", cmd.Status,
		)
		return
	}

	if h.resolver == nil {
		return
	}
	if !h.resolver.Resolve(res.CommandID, res) {
		// The original caller already gave up (timed out, cancelled).
		conn.logger.Debug("late result, no waiter",
			"command_id", res.CommandID,
			"success", res.Success,
		)
	}
}

// PushCommand delivers a command envelope to the agent's current
// connection. With none registered the push is a no-op and the caller's
// retry/timeout schedule surfaces the failure.
func (h *Hub) PushCommand(tenantID, agentID string, msgType protocol.MessageType, cmd *protocol.ExecuteCommandPayload) bool {
	h.mu.RLock()
	conn := h.conns[connKey(tenantID, agentID)]
	h.mu.RUnlock()
	if conn == nil {
		return false
	}

	env, err := protocol.NewEnvelope(msgType, cmd)
	if err != nil {
		h.logger.Error("building command envelope", "error", err)
		return false
	}
	env.ID = uuid.New().String()
	return conn.SendEnvelope(env)
}

// PushCancel tells the agent to drop a command it has not executed yet.
func (h *Hub) PushCancel(tenantID, agentID, commandID string) {
	h.mu.RLock()
	conn := h.conns[connKey(tenantID, agentID)]
	h.mu.RUnlock()
	if conn == nil {
		return
	}
	if env, err := protocol.NewEnvelope(protocol.MsgCancelCommand, &protocol.CancelCommandPayload{CommandID: commandID}); err == nil {
		conn.SendEnvelope(env)
	}
}

func (h *Hub) sendError(conn *Conn, code, msg string) {
	if env, err := protocol.NewEnvelope(protocol.MsgError, &protocol.ErrorPayload{Code: code, Message: msg}); err == nil {
		conn.SendEnvelope(env)
	}
}

// SubscribeTenant registers a cloud-side observer for a tenant's agent
// and device events. The returned cancel func must be called to
// unsubscribe. Slow observers miss events rather than block the hub.
func (h *Hub) SubscribeTenant(tenantID string) (<-chan TenantEvent, func()) {
	ch := make(chan TenantEvent, 16)

	h.mu.Lock()
	subs, ok := h.observers[tenantID]
	if !ok {
		subs = make(map[chan TenantEvent]struct{})
		h.observers[tenantID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.observers[tenantID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(h.observers, tenantID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) broadcast(tenantID string, ev TenantEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.observers[tenantID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
