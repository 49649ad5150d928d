// ABOUTME: HTTP API tests over an httptest server with real registry/processor state.

package hub

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stallmart/edge-bridge/internal/command"
	"github.com/stallmart/edge-bridge/internal/protocol"
	"github.com/stallmart/edge-bridge/internal/registry"
)

type apiFixture struct {
	registry *registry.Registry
	proc     *command.Processor
	server   *httptest.Server
}

type fixedWaiters int

func (f fixedWaiters) PendingWaiters() int { return int(f) }

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(registry.DefaultLivenessWindow, logger)
	proc := command.NewProcessor(command.DefaultMaxRetries, logger)
	api := NewAPI(reg, proc, fixedWaiters(2), "server-1", logger)

	mux := http.NewServeMux()
	api.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiFixture{registry: reg, proc: proc, server: srv}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	var body map[string]string
	code := getJSON(t, f.server.URL+"/api/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "server-1", body["server_id"])
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.registry.Register("tenant-1", "agent-1", "sess-1", "")
	_, err := f.proc.QueueTerminalCommand("tenant-1", "agent-1", protocol.CmdAuthorizePayment, nil, 30*time.Second)
	require.NoError(t, err)

	var body struct {
		Registry registry.Stats `json:"registry"`
		Commands command.Stats  `json:"commands"`
		Waiters  int            `json:"waiting_attempts"`
	}
	code := getJSON(t, f.server.URL+"/api/stats", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, body.Registry.ConnectedAgents)
	assert.Equal(t, 2, body.Waiters)
}

func TestAgentsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.registry.Register("tenant-1", "agent-1", "sess-1", "")
	f.registry.UpdateDeviceInfo("tenant-1", "agent-1", []protocol.DeviceInfo{
		{DeviceID: "term-1", Type: protocol.DeviceTerminal, Status: protocol.DeviceReady, Primary: true},
	})

	var body struct {
		Agents []agentView `json:"agents"`
	}
	code := getJSON(t, f.server.URL+"/api/agents", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body.Agents, 1)
	assert.Equal(t, "agent-1", body.Agents[0].AgentID)
	require.Len(t, body.Agents[0].Devices, 1)
	assert.Equal(t, "terminal", body.Agents[0].Devices[0].Type)
}

func TestCommandLookup(t *testing.T) {
	f := newAPIFixture(t)
	cmd, err := f.proc.QueueTerminalCommand("tenant-1", "agent-1", protocol.CmdAuthorizePayment, nil, 30*time.Second)
	require.NoError(t, err)

	var body commandView
	code := getJSON(t, f.server.URL+"/api/commands/"+cmd.ID, &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, cmd.ID, body.ID)
	assert.Equal(t, "queued", body.Status)
	assert.Equal(t, int64(30000), body.TimeoutMS)

	var errBody map[string]string
	code = getJSON(t, f.server.URL+"/api/commands/nope", &errBody)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCommandCancel(t *testing.T) {
	f := newAPIFixture(t)
	cmd, err := f.proc.QueueTerminalCommand("tenant-1", "agent-1", protocol.CmdAuthorizePayment, nil, 30*time.Second)
	require.NoError(t, err)

	resp, err := http.Post(f.server.URL+"/api/commands/"+cmd.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["cancelled"])

	rec, ok := f.proc.GetCommandStatus(cmd.ID)
	require.True(t, ok)
	assert.Equal(t, command.StatusCancelled, rec.Status)

	// A second cancel is a no-op on a terminal record.
	resp2, err := http.Post(f.server.URL+"/api/commands/"+cmd.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	var body2 map[string]bool
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body2))
	assert.False(t, body2["cancelled"])
}

func TestPendingEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.registry.Register("tenant-1", "agent-1", "sess-1", "")
	_, err := f.proc.QueueTerminalCommand("tenant-1", "agent-1", protocol.CmdAuthorizePayment, nil, 30*time.Second)
	require.NoError(t, err)
	_, err = f.proc.QueueFiscalPrinterCommand("tenant-1", "agent-1", protocol.CmdPrintFiscalReceipt, nil, 30*time.Second)
	require.NoError(t, err)

	var body struct {
		Pending []commandView `json:"pending"`
	}
	code := getJSON(t, f.server.URL+"/api/agents/tenant-1/pending", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body.Pending, 2)

	// Unknown tenant has nothing pending.
	code = getJSON(t, f.server.URL+"/api/agents/tenant-9/pending", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body.Pending)
}