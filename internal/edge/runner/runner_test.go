// ABOUTME: Runner tests covering execution flow, offline persistence, and result redelivery.

package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stallmart/edge-bridge/internal/command"
	"github.com/stallmart/edge-bridge/internal/edge/client"
	"github.com/stallmart/edge-bridge/internal/edge/devices"
	"github.com/stallmart/edge-bridge/internal/edge/queue"
	"github.com/stallmart/edge-bridge/internal/edge/store"
	"github.com/stallmart/edge-bridge/internal/protocol"
)

type fakeSender struct {
	mu        sync.Mutex
	results   []*protocol.CommandResultPayload
	statuses  []string
	offline   bool
	sendCalls int
}

func (f *fakeSender) SendResult(res *protocol.CommandResultPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.offline {
		return client.ErrNotConnected
	}
	f.results = append(f.results, res)
	return nil
}

func (f *fakeSender) ReportDeviceStatus(deviceID string, status protocol.DeviceStatus, details map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return client.ErrNotConnected
	}
	f.statuses = append(f.statuses, deviceID+":"+string(status))
	return nil
}

func (f *fakeSender) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeSender) resultFor(commandID string) *protocol.CommandResultPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.results {
		if r.CommandID == commandID {
			return r
		}
	}
	return nil
}

type fixture struct {
	runner *Runner
	sender *fakeSender
	queue  *queue.Queue
	store  *store.Store
}

func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dm := devices.NewManager(logger)
	dm.AddTerminal("term-1", "SIM-T1", true, devices.NewSimulatedTerminal())
	dm.AddPrinter("prn-1", "SIM-P1", true, devices.NewSimulatedPrinter())

	var st *store.Store
	if withStore {
		var err error
		st, err = store.Open(filepath.Join(t.TempDir(), "commands.db"), logger)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
	}

	q := queue.New(8)
	sender := &fakeSender{}
	return &fixture{
		runner: New(sender, q, st, dm, logger),
		sender: sender,
		queue:  q,
		store:  st,
	}
}

func authorizePayload(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(&protocol.AuthorizePaymentRequest{Amount: 500, Currency: "EUR", Reference: "o-1"})
	require.NoError(t, err)
	return raw
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

func TestExecutesAndReports(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go f.runner.Run(ctx)

	f.runner.HandleCommand(&protocol.ExecuteCommandPayload{
		CommandID: "cmd-1",
		Type:      protocol.CmdAuthorizePayment,
		Payload:   authorizePayload(t),
		TimeoutMS: 5000,
	})

	waitFor(t, func() bool { return f.sender.resultFor("cmd-1") != nil }, "result never sent")
	res := f.sender.resultFor("cmd-1")
	assert.True(t, res.Success)

	var pay protocol.PaymentResult
	require.NoError(t, json.Unmarshal(res.Result, &pay))
	assert.Equal(t, int64(500), pay.Amount)

	waitFor(t, func() bool {
		rec, err := f.store.Get(context.Background(), "cmd-1")
		return err == nil && rec.Status == command.StatusCompleted
	}, "store never marked completed")
}

func TestDeviceFailureReported(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go f.runner.Run(ctx)

	// Empty payload trips payload validation in the device manager.
	f.runner.HandleCommand(&protocol.ExecuteCommandPayload{
		CommandID: "cmd-1",
		Type:      protocol.CmdAuthorizePayment,
		TimeoutMS: 5000,
	})

	waitFor(t, func() bool { return f.sender.resultFor("cmd-1") != nil }, "result never sent")
	res := f.sender.resultFor("cmd-1")
	assert.False(t, res.Success)
	assert.Equal(t, "INVALID_PAYLOAD", res.ErrorCode)
}

func TestQueueFullRejection(t *testing.T) {
	f := newFixture(t, false)
	// No Run loop: the queue fills up.

	for i := range 8 {
		f.runner.HandleCommand(&protocol.ExecuteCommandPayload{
			CommandID: string(rune('a' + i)),
			Type:      protocol.CmdAuthorizePayment,
			Payload:   authorizePayload(t),
		})
	}
	f.runner.HandleCommand(&protocol.ExecuteCommandPayload{
		CommandID: "overflow",
		Type:      protocol.CmdAuthorizePayment,
		Payload:   authorizePayload(t),
	})

	res := f.sender.resultFor("overflow")
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, "QUEUE_FULL", res.ErrorCode)
}

func TestCancelRemovesQueued(t *testing.T) {
	f := newFixture(t, true)

	f.runner.HandleCommand(&protocol.ExecuteCommandPayload{
		CommandID: "cmd-1",
		Type:      protocol.CmdAuthorizePayment,
		Payload:   authorizePayload(t),
	})
	require.Equal(t, 1, f.queue.Len())

	f.runner.HandleCancel("cmd-1")
	assert.Zero(t, f.queue.Len())

	rec, err := f.store.Get(context.Background(), "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, command.StatusCancelled, rec.Status)

	// Cancelling something unknown is a no-op.
	f.runner.HandleCancel("ghost")
}

func TestResultRedeliveredAfterReconnect(t *testing.T) {
	f := newFixture(t, true)
	f.sender.setOffline(true)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go f.runner.Run(ctx)

	f.runner.HandleCommand(&protocol.ExecuteCommandPayload{
		CommandID: "cmd-1",
		Type:      protocol.CmdAuthorizePayment,
		Payload:   authorizePayload(t),
		TimeoutMS: 5000,
	})

	// The command executes but delivery keeps failing.
	waitFor(t, func() bool {
		f.sender.mu.Lock()
		defer f.sender.mu.Unlock()
		return f.sender.sendCalls > 0
	}, "no delivery attempt")
	assert.Nil(t, f.sender.resultFor("cmd-1"))

	rec, err := f.store.Get(context.Background(), "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, command.StatusProcessing, rec.Status, "must not go terminal before delivery")

	f.sender.setOffline(false)
	waitFor(t, func() bool { return f.sender.resultFor("cmd-1") != nil }, "result never redelivered")
	waitFor(t, func() bool {
		rec, err := f.store.Get(context.Background(), "cmd-1")
		return err == nil && rec.Status == command.StatusCompleted
	}, "store never marked completed after redelivery")
}

func TestReloadPersistedCommands(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "commands.db")

	st, err := store.Open(path, logger)
	require.NoError(t, err)
	require.NoError(t, st.Save(context.Background(), &store.Record{
		ID:        "cmd-1",
		Type:      protocol.CmdAuthorizePayment,
		Status:    command.StatusQueued,
		Payload:   authorizePayload(t),
		QueuedAt:  time.Now(),
		TimeoutMS: 5000,
	}))
	// Simulate a crash mid-execution.
	require.NoError(t, st.Save(context.Background(), &store.Record{
		ID:        "cmd-2",
		Type:      protocol.CmdCheckTerminalStatus,
		Status:    command.StatusProcessing,
		QueuedAt:  time.Now().Add(time.Second),
		TimeoutMS: 5000,
	}))
	require.NoError(t, st.Close())

	st, err = store.Open(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dm := devices.NewManager(logger)
	dm.AddTerminal("term-1", "SIM-T1", true, devices.NewSimulatedTerminal())
	sender := &fakeSender{}
	r := New(sender, queue.New(8), st, dm, logger)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, func() bool {
		return sender.resultFor("cmd-1") != nil && sender.resultFor("cmd-2") != nil
	}, "persisted commands never replayed")
}

func TestDeviceStatusForwarded(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dm := devices.NewManager(logger)
	dm.AddPrinter("prn-1", "SIM-P1", true, devices.NewSimulatedPrinter())
	sender := &fakeSender{}
	New(sender, queue.New(8), nil, dm, logger)

	dm.SetStatus("prn-1", protocol.DeviceError, map[string]string{"reason": "paper out"})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.statuses, 1)
	assert.Equal(t, "prn-1:error", sender.statuses[0])
}
