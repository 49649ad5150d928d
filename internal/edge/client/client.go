// ABOUTME: Agent side of the bidirectional channel with reconnect and heartbeats.
// ABOUTME: Announces devices on every connect; delivers pushed commands to a handler.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stallmart/edge-bridge/internal/protocol"
)

// State is the connection lifecycle position.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Handler receives pushed work from the gateway. Calls arrive from the
// read loop; implementations must not block.
type Handler interface {
	HandleCommand(cmd *protocol.ExecuteCommandPayload)
	HandleCancel(commandID string)
}

// DeviceSource supplies the device declaration sent on every connect.
// Reconnects re-announce the full list because the gateway keeps no
// session memory across disconnects.
type DeviceSource interface {
	Devices() []protocol.DeviceInfo
}

// Config holds the client's connection settings.
type Config struct {
	GatewayURL        string
	Token             string
	AgentVersion      string
	Hostname          string
	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

// Client maintains the channel to the gateway. Run dials, registers,
// heartbeats, and reconnects with capped exponential backoff until the
// context is cancelled.
type Client struct {
	cfg     Config
	devices DeviceSource
	handler Handler
	logger  *slog.Logger
	started time.Time

	mu      sync.RWMutex
	state   State
	ws      *websocket.Conn
	onState []func(State)

	// writeMu serializes frames; gorilla permits one concurrent writer.
	writeMu sync.Mutex
}

// ErrNotConnected is returned by sends while the channel is down.
var ErrNotConnected = errors.New("not connected to gateway")

// New creates a client. The handler may be nil at construction (the
// runner needs the client first); set it with SetHandler before Run.
func New(cfg Config, devices DeviceSource, handler Handler, logger *slog.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		devices: devices,
		handler: handler,
		logger:  logger.With("component", "client"),
		started: time.Now(),
		state:   StateDisconnected,
	}
}

// SetHandler wires the command handler in. Must be called before Run.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// OnStateChange registers an observer for connection state transitions.
// Must be called before Run.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the channel is currently open.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	observers := make([]func(State), len(c.onState))
	copy(observers, c.onState)
	c.mu.Unlock()

	c.logger.Info("connection state", "state", s)
	for _, fn := range observers {
		fn(s)
	}
}

// Run drives the connection until ctx is cancelled. Each failed session
// doubles the wait up to the cap; a session that lasted past the cap
// resets the backoff.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.ReconnectMin
	first := true

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if first {
			c.setState(StateConnecting)
			first = false
		} else {
			c.setState(StateReconnecting)
		}

		start := time.Now()
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if err != nil {
			c.logger.Warn("session ended", "error", err)
		}

		if time.Since(start) > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMin
		}
		// Jitter keeps a fleet of agents from reconnecting in lockstep.
		wait := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		c.logger.Info("reconnecting", "wait", wait)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(wait):
		}
		backoff = min(backoff*2, c.cfg.ReconnectMax)
	}
}

// runOnce performs one full session: dial, register, pump until the
// connection drops.
func (c *Client) runOnce(ctx context.Context) error {
	header := http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	ws, resp, err := dialer.DialContext(ctx, c.cfg.GatewayURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return fmt.Errorf("dialing gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dialing gateway: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	// Register-first: full device announcement on every connect.
	env, err := protocol.NewEnvelope(protocol.MsgRegisterAgent, &protocol.RegisterAgentPayload{
		AgentVersion: c.cfg.AgentVersion,
		Hostname:     c.cfg.Hostname,
		OS:           runtime.GOOS,
		Devices:      c.devices.Devices(),
	})
	if err != nil {
		return err
	}
	if err := c.writeEnvelope(ws, env); err != nil {
		return fmt.Errorf("sending registration: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ack protocol.Envelope
	if err := ws.ReadJSON(&ack); err != nil {
		return fmt.Errorf("waiting for handshake ack: %w", err)
	}
	if ack.Type == protocol.MsgError {
		var ep protocol.ErrorPayload
		_ = ack.Decode(&ep)
		return fmt.Errorf("gateway rejected registration: %s: %s", ep.Code, ep.Message)
	}
	if ack.Type != protocol.MsgConnected {
		return fmt.Errorf("unexpected handshake reply %q", ack.Type)
	}
	var connected protocol.ConnectedPayload
	if err := ack.Decode(&connected); err != nil {
		return err
	}
	c.logger.Info("registered with gateway",
		"server_id", connected.ServerID,
		"session_id", connected.SessionID,
	)

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.setState(StateConnected)
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	// Heartbeats run beside the read loop; either side's failure ends
	// the session.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(hbCtx, ws)

	// Cancellation must unblock the read loop; closing the socket is the
	// only way to interrupt a blocked read.
	go func() {
		<-hbCtx.Done()
		ws.Close()
	}()

	ws.SetReadDeadline(time.Time{})
	return c.readLoop(ctx, ws)
}

func (c *Client) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.MsgHeartbeat, &protocol.HeartbeatPayload{
				UptimeSeconds: int64(time.Since(c.started).Seconds()),
			})
			if err != nil {
				continue
			}
			if err := c.writeEnvelope(ws, env); err != nil {
				c.logger.Warn("heartbeat failed", "error", err)
				ws.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch env.Type {
		case protocol.MsgExecuteTerminalCommand, protocol.MsgExecuteFiscalPrinterCommand:
			var cmd protocol.ExecuteCommandPayload
			if err := env.Decode(&cmd); err != nil {
				c.logger.Warn("bad command payload", "error", err)
				continue
			}
			c.handler.HandleCommand(&cmd)

		case protocol.MsgCancelCommand:
			var cancel protocol.CancelCommandPayload
			if err := env.Decode(&cancel); err != nil {
				c.logger.Warn("bad cancel payload", "error", err)
				continue
			}
			c.handler.HandleCancel(cancel.CommandID)

		case protocol.MsgError:
			var ep protocol.ErrorPayload
			if err := env.Decode(&ep); err == nil {
				c.logger.Warn("gateway error", "code", ep.Code, "message", ep.Message)
			}

		default:
			c.logger.Debug("ignoring message", "type", env.Type)
		}
	}
}

func (c *Client) writeEnvelope(ws *websocket.Conn, env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(env)
}

// send delivers an envelope on the current connection, or fails when
// disconnected.
func (c *Client) send(env *protocol.Envelope) error {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws == nil {
		return ErrNotConnected
	}
	return c.writeEnvelope(ws, env)
}

// SendResult reports a command outcome to the gateway.
func (c *Client) SendResult(res *protocol.CommandResultPayload) error {
	env, err := protocol.NewEnvelope(protocol.MsgReportCommandResult, res)
	if err != nil {
		return err
	}
	return c.send(env)
}

// ReportDeviceStatus mirrors a local device status change upstream.
func (c *Client) ReportDeviceStatus(deviceID string, status protocol.DeviceStatus, details map[string]string) error {
	env, err := protocol.NewEnvelope(protocol.MsgReportDeviceStatus, &protocol.ReportDeviceStatusPayload{
		DeviceID: deviceID,
		Status:   status,
		Details:  details,
	})
	if err != nil {
		return err
	}
	return c.send(env)
}
