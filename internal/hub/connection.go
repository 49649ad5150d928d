// ABOUTME: One live agent websocket session with its buffered write pump.
// ABOUTME: Safe close handling prevents send-on-closed-channel panics.

package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stallmart/edge-bridge/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 256 * 1024

	// Time the agent has to send RegisterAgent after connecting.
	registerWait = 10 * time.Second

	// Outbound queue size per connection.
	sendQueueSize = 64
)

// Conn is one agent session. Identity is fixed at upgrade time; the
// session id changes on every reconnect while the agent id is stable.
type Conn struct {
	TenantID  string
	AgentID   string
	SessionID string

	ws     *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(ws *websocket.Conn, tenantID, agentID, sessionID string, logger *slog.Logger) *Conn {
	return &Conn{
		TenantID:  tenantID,
		AgentID:   agentID,
		SessionID: sessionID,
		ws:        ws,
		send:      make(chan []byte, sendQueueSize),
		logger:    logger,
	}
}

// SendEnvelope marshals and queues an envelope for delivery. Returns false
// if the connection is closed or its buffer is full.
func (c *Conn) SendEnvelope(env *protocol.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("marshaling envelope", "type", env.Type, "error", err)
		return false
	}
	return c.safeSend(data)
}

// safeSend queues raw bytes without panicking on a closed channel. There
// is a race between checking closed and sending; recover covers it.
func (c *Conn) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("send buffer full, dropping message",
			"tenant_id", c.TenantID,
			"agent_id", c.AgentID,
		)
		return false
	}
}

// Close shuts the send channel exactly once. The write pump drains what
// is already queued, sends a close frame, and closes the socket, which
// also unblocks the read loop.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings. Runs until the send channel closes or a
// write fails.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
