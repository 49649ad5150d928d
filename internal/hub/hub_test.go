// ABOUTME: Hub tests over real websocket connections via httptest.
// ABOUTME: Covers handshake, auth, demux, supersession, and command push.

package hub

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stallmart/edge-bridge/internal/auth"
	"github.com/stallmart/edge-bridge/internal/command"
	"github.com/stallmart/edge-bridge/internal/protocol"
	"github.com/stallmart/edge-bridge/internal/registry"
)

var testSecret = []byte("hub-test-secret")

type recordingResolver struct {
	mu      sync.Mutex
	results []*protocol.CommandResultPayload
	accept  bool
}

func (r *recordingResolver) Resolve(commandID string, res *protocol.CommandResultPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return r.accept
}

func (r *recordingResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

type hubFixture struct {
	hub      *Hub
	registry *registry.Registry
	proc     *command.Processor
	resolver *recordingResolver
	server   *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(registry.DefaultLivenessWindow, logger)
	proc := command.NewProcessor(command.DefaultMaxRetries, logger)
	h := New(reg, proc, auth.NewJWTVerifier(testSecret), logger)
	resolver := &recordingResolver{accept: true}
	h.SetResultResolver(resolver)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleAgent))
	t.Cleanup(srv.Close)

	return &hubFixture{hub: h, registry: reg, proc: proc, resolver: resolver, server: srv}
}

func (f *hubFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

// dial connects and completes the RegisterAgent handshake, returning the
// socket after the Connected ack has been read.
func (f *hubFixture) dial(t *testing.T, tenantID, agentID string, devices ...protocol.DeviceInfo) *websocket.Conn {
	t.Helper()
	ws := f.dialRaw(t, tenantID, agentID)

	env, err := protocol.NewEnvelope(protocol.MsgRegisterAgent, &protocol.RegisterAgentPayload{
		AgentVersion: "test",
		Devices:      devices,
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))

	ack := readEnvelope(t, ws)
	require.Equal(t, protocol.MsgConnected, ack.Type)
	return ws
}

func (f *hubFixture) dialRaw(t *testing.T, tenantID, agentID string) *websocket.Conn {
	t.Helper()
	token, err := auth.MintAgentToken(testSecret, tenantID, agentID, time.Minute)
	require.NoError(t, err)

	header := http.Header{"Authorization": {"Bearer " + token}}
	ws, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return &env
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandshakeRegistersAgent(t *testing.T) {
	f := newHubFixture(t)

	ws := f.dial(t, "tenant-1", "agent-1", protocol.DeviceInfo{
		DeviceID: "term-1",
		Type:     protocol.DeviceTerminal,
		Status:   protocol.DeviceReady,
		Primary:  true,
	})
	defer ws.Close()

	snap, ok := f.registry.GetAgent("tenant-1", "agent-1")
	require.True(t, ok)
	assert.Equal(t, "agent-1", snap.AgentID)
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "term-1", snap.Devices[0].ID)
}

func TestRejectsMissingToken(t *testing.T) {
	f := newHubFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRejectsBadToken(t *testing.T) {
	f := newHubFixture(t)

	header := http.Header{"Authorization": {"Bearer not-a-jwt"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFirstMessageMustBeRegister(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dialRaw(t, "tenant-1", "agent-1")

	env, err := protocol.NewEnvelope(protocol.MsgHeartbeat, &protocol.HeartbeatPayload{})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))

	reply := readEnvelope(t, ws)
	require.Equal(t, protocol.MsgError, reply.Type)
	var ep protocol.ErrorPayload
	require.NoError(t, reply.Decode(&ep))
	assert.Equal(t, "REGISTER_REQUIRED", ep.Code)

	// The connection never attached.
	_, ok := f.registry.GetAgent("tenant-1", "agent-1")
	assert.False(t, ok)
}

func TestSupersessionClosesOldConnection(t *testing.T) {
	f := newHubFixture(t)

	first := f.dial(t, "tenant-1", "agent-1")
	firstSession, _ := f.registry.GetAgent("tenant-1", "agent-1")

	second := f.dial(t, "tenant-1", "agent-1")
	defer second.Close()

	// The old socket should be closed by the hub.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env protocol.Envelope
		if err := first.ReadJSON(&env); err != nil {
			break
		}
	}

	snap, ok := f.registry.GetAgent("tenant-1", "agent-1")
	require.True(t, ok)
	assert.NotEqual(t, firstSession.SessionID, snap.SessionID)

	// The new session can still push.
	cmd, err := f.proc.QueueTerminalCommand("tenant-1", "agent-1", protocol.CmdAuthorizePayment, nil, 30*time.Second)
	require.NoError(t, err)
	delivered := f.hub.PushCommand("tenant-1", "agent-1", protocol.MsgExecuteTerminalCommand, &protocol.ExecuteCommandPayload{
		CommandID: cmd.ID,
		Type:      cmd.Type,
	})
	assert.True(t, delivered)
}

func TestHeartbeatUpdatesRegistry(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dial(t, "tenant-1", "agent-1")
	defer ws.Close()

	before, _ := f.registry.GetAgent("tenant-1", "agent-1")
	time.Sleep(10 * time.Millisecond)

	env, err := protocol.NewEnvelope(protocol.MsgHeartbeat, &protocol.HeartbeatPayload{QueueDepth: 2})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))

	waitFor(t, func() bool {
		snap, ok := f.registry.GetAgent("tenant-1", "agent-1")
		return ok && snap.LastHeartbeat.After(before.LastHeartbeat)
	}, "heartbeat never reached the registry")
}

func TestDeviceStatusReportBroadcasts(t *testing.T) {
	f := newHubFixture(t)
	events, cancel := f.hub.SubscribeTenant("tenant-1")
	defer cancel()

	ws := f.dial(t, "tenant-1", "agent-1", protocol.DeviceInfo{
		DeviceID: "prn-1",
		Type:     protocol.DeviceFiscalPrinter,
		Status:   protocol.DeviceReady,
	})
	defer ws.Close()

	// First event is the registration itself.
	ev := <-events
	require.Equal(t, protocol.MsgAgentRegistered, ev.Type)

	env, err := protocol.NewEnvelope(protocol.MsgReportDeviceStatus, &protocol.ReportDeviceStatusPayload{
		DeviceID: "prn-1",
		Status:   protocol.DeviceError,
		Details:  map[string]string{"reason": "paper out"},
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))

	select {
	case ev = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no device status event")
	}
	require.Equal(t, protocol.MsgReportDeviceStatus, ev.Type)
	require.NotNil(t, ev.Device)
	assert.Equal(t, protocol.DeviceError, ev.Device.Status)

	waitFor(t, func() bool {
		snap, ok := f.registry.GetAgent("tenant-1", "agent-1")
		return ok && len(snap.Devices) == 1 && snap.Devices[0].Status == protocol.DeviceError
	}, "device status never mirrored")
}

func TestCommandResultReachesResolver(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dial(t, "tenant-1", "agent-1")
	defer ws.Close()

	cmd, err := f.proc.QueueTerminalCommand("tenant-1", "agent-1", protocol.CmdAuthorizePayment, nil, 30*time.Second)
	require.NoError(t, err)
	require.True(t, f.proc.MarkProcessing(cmd.ID))

	env, err := protocol.NewEnvelope(protocol.MsgReportCommandResult, &protocol.CommandResultPayload{
		CommandID:   cmd.ID,
		Success:     true,
		Result:      json.RawMessage(`{"transaction_id":"txn-1"}`),
		CompletedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))

	waitFor(t, func() bool { return f.resolver.count() == 1 }, "result never resolved")

	rec, ok := f.proc.GetCommandStatus(cmd.ID)
	require.True(t, ok)
	assert.Equal(t, command.StatusCompleted, rec.Status)
}

func TestDuplicateResultNotResolvedTwice(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dial(t, "tenant-1", "agent-1")
	defer ws.Close()

	cmd, err := f.proc.QueueTerminalCommand("tenant-1", "agent-1", protocol.CmdAuthorizePayment, nil, 30*time.Second)
	require.NoError(t, err)
	require.True(t, f.proc.MarkProcessing(cmd.ID))

	res := &protocol.CommandResultPayload{CommandID: cmd.ID, Success: true, CompletedAt: time.Now().UTC()}
	for range 2 {
		env, err := protocol.NewEnvelope(protocol.MsgReportCommandResult, res)
		require.NoError(t, err)
		require.NoError(t, ws.WriteJSON(env))
	}

	waitFor(t, func() bool { return f.resolver.count() >= 1 }, "result never resolved")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.resolver.count(), "replay should be discarded before the resolver")
}

func TestResultForUnknownCommandDiscarded(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dial(t, "tenant-1", "agent-1")
	defer ws.Close()

	env, err := protocol.NewEnvelope(protocol.MsgReportCommandResult, &protocol.CommandResultPayload{
		CommandID: "never-issued",
		Success:   true,
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))

	// Give the read loop time to process; nothing should reach the resolver.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.resolver.count())
}

func TestPushCommandDeliversEnvelope(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dial(t, "tenant-1", "agent-1")
	defer ws.Close()

	delivered := f.hub.PushCommand("tenant-1", "agent-1", protocol.MsgExecuteTerminalCommand, &protocol.ExecuteCommandPayload{
		CommandID: "cmd-1",
		Type:      protocol.CmdAuthorizePayment,
		TimeoutMS: 30000,
	})
	require.True(t, delivered)

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.MsgExecuteTerminalCommand, env.Type)
	var exec protocol.ExecuteCommandPayload
	require.NoError(t, env.Decode(&exec))
	assert.Equal(t, "cmd-1", exec.CommandID)
	assert.Equal(t, protocol.CmdAuthorizePayment, exec.Type)
}

func TestPushCommandWithoutConnection(t *testing.T) {
	f := newHubFixture(t)

	delivered := f.hub.PushCommand("tenant-1", "agent-absent", protocol.MsgExecuteTerminalCommand, &protocol.ExecuteCommandPayload{
		CommandID: "cmd-1",
		Type:      protocol.CmdAuthorizePayment,
	})
	assert.False(t, delivered)
}

func TestDisconnectUnregisters(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dial(t, "tenant-1", "agent-1")

	events, cancel := f.hub.SubscribeTenant("tenant-1")
	defer cancel()

	ws.Close()

	select {
	case ev := <-events:
		assert.Equal(t, protocol.MsgAgentUnregistered, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no unregister event")
	}

	_, ok := f.registry.GetAgent("tenant-1", "agent-1")
	assert.False(t, ok)
}

func TestReRegisterUpdatesDevices(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dial(t, "tenant-1", "agent-1", protocol.DeviceInfo{
		DeviceID: "term-1",
		Type:     protocol.DeviceTerminal,
		Status:   protocol.DeviceReady,
	})
	defer ws.Close()

	env, err := protocol.NewEnvelope(protocol.MsgRegisterAgent, &protocol.RegisterAgentPayload{
		Devices: []protocol.DeviceInfo{
			{DeviceID: "term-1", Type: protocol.DeviceTerminal, Status: protocol.DeviceReady},
			{DeviceID: "prn-1", Type: protocol.DeviceFiscalPrinter, Status: protocol.DeviceReady},
		},
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))

	waitFor(t, func() bool {
		snap, ok := f.registry.GetAgent("tenant-1", "agent-1")
		return ok && len(snap.Devices) == 2
	}, "device re-announcement never applied")
}
