// ABOUTME: Edge execution loop: receives commands, persists them, runs them on devices.
// ABOUTME: At-least-once delivery; a command only goes terminal after its result left on an open channel.

package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/stallmart/edge-bridge/internal/command"
	"github.com/stallmart/edge-bridge/internal/edge/devices"
	"github.com/stallmart/edge-bridge/internal/edge/queue"
	"github.com/stallmart/edge-bridge/internal/edge/store"
	"github.com/stallmart/edge-bridge/internal/protocol"
)

// resultRetryWait paces redelivery attempts while the channel is down.
const resultRetryWait = time.Second

// Sender is the upstream half the runner needs from the channel client.
type Sender interface {
	SendResult(res *protocol.CommandResultPayload) error
	ReportDeviceStatus(deviceID string, status protocol.DeviceStatus, details map[string]string) error
}

// Runner drains the command queue into the device manager and reports
// results. The offline store (optional) makes the queue survive restarts.
type Runner struct {
	sender  Sender
	queue   *queue.Queue
	store   *store.Store
	devices *devices.Manager
	logger  *slog.Logger
}

// New creates a runner. st may be nil when the offline queue is disabled.
func New(sender Sender, q *queue.Queue, st *store.Store, dm *devices.Manager, logger *slog.Logger) *Runner {
	r := &Runner{
		sender:  sender,
		queue:   q,
		store:   st,
		devices: dm,
		logger:  logger.With("component", "runner"),
	}
	dm.OnStatusChange(func(deviceID string, status protocol.DeviceStatus, details map[string]string) {
		if err := sender.ReportDeviceStatus(deviceID, status, details); err != nil {
			r.logger.Debug("device status not reported", "device_id", deviceID, "error", err)
		}
	})
	return r
}

// HandleCommand persists and enqueues a pushed command. Persist happens
// before the queue accepts it, so a crash between the two replays the
// command instead of losing it.
func (r *Runner) HandleCommand(cmd *protocol.ExecuteCommandPayload) {
	if r.store != nil {
		rec := &store.Record{
			ID:        cmd.CommandID,
			Type:      cmd.Type,
			Status:    command.StatusQueued,
			Payload:   cmd.Payload,
			QueuedAt:  time.Now(),
			TimeoutMS: cmd.TimeoutMS,
		}
		if err := r.store.Save(context.Background(), rec); err != nil {
			r.logger.Error("persisting command", "command_id", cmd.CommandID, "error", err)
		}
	}

	err := r.queue.Push(&queue.Item{
		CommandID: cmd.CommandID,
		Type:      cmd.Type,
		Payload:   cmd.Payload,
		TimeoutMS: cmd.TimeoutMS,
	})
	if err != nil {
		r.logger.Warn("command rejected", "command_id", cmd.CommandID, "error", err)
		r.reject(cmd.CommandID, err)
	}
}

func (r *Runner) reject(commandID string, cause error) {
	code := "AGENT_ERROR"
	if cause == queue.ErrQueueFull {
		code = "QUEUE_FULL"
	}
	res := &protocol.CommandResultPayload{
		CommandID:    commandID,
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
		CompletedAt:  time.Now().UTC(),
	}
	if err := r.sender.SendResult(res); err != nil {
		r.logger.Warn("rejection not delivered", "command_id", commandID, "error", err)
	}
	if r.store != nil {
		_ = r.store.MarkStatus(context.Background(), commandID, command.StatusFailed)
	}
}

// HandleCancel drops a still-queued command. A command already pulled by
// the worker runs to completion; cancellation is advisory.
func (r *Runner) HandleCancel(commandID string) {
	if r.queue.Remove(commandID) {
		r.logger.Info("command cancelled", "command_id", commandID)
		if r.store != nil {
			_ = r.store.MarkStatus(context.Background(), commandID, command.StatusCancelled)
		}
	}
}

// Run reloads persisted commands, then executes queued commands until ctx
// is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.reload(ctx); err != nil {
		return err
	}

	for {
		item, err := r.queue.Pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.executeOne(ctx, item)
	}
}

// reload re-queues commands the last run never finished.
func (r *Runner) reload(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	pending, err := r.store.LoadPending(ctx)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		err := r.queue.Push(&queue.Item{
			CommandID: rec.ID,
			Type:      rec.Type,
			Payload:   rec.Payload,
			TimeoutMS: rec.TimeoutMS,
		})
		if err != nil {
			r.logger.Warn("persisted command not requeued", "command_id", rec.ID, "error", err)
		}
	}
	if len(pending) > 0 {
		r.logger.Info("reloaded persisted commands", "count", len(pending))
	}
	return nil
}

func (r *Runner) executeOne(ctx context.Context, item *queue.Item) {
	if r.store != nil {
		_ = r.store.MarkStatus(ctx, item.CommandID, command.StatusProcessing)
	}

	timeout := time.Duration(item.TimeoutMS) * time.Millisecond
	res := r.devices.Execute(ctx, item.CommandID, item.Type, json.RawMessage(item.Payload), timeout)

	if !r.deliver(ctx, res) {
		// Shutting down mid-delivery: the store still says processing,
		// so the next run replays the command.
		return
	}

	if r.store != nil {
		status := command.StatusCompleted
		if !res.Success {
			status = command.StatusFailed
		}
		_ = r.store.MarkStatus(context.Background(), item.CommandID, status)
	}
}

// deliver pushes the result upstream, retrying across reconnects until it
// lands on an open connection or ctx ends. Reports whether it landed.
func (r *Runner) deliver(ctx context.Context, res *protocol.CommandResultPayload) bool {
	for {
		err := r.sender.SendResult(res)
		if err == nil {
			return true
		}
		r.logger.Debug("result not delivered, will retry",
			"command_id", res.CommandID,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(resultRetryWait):
		}
	}
}
