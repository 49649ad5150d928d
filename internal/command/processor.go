// ABOUTME: Single source of truth for command state, independent of channel connectivity.
// ABOUTME: Per-(tenant, agent) FIFO queues, bounded automatic retry, periodic cleanup sweep.

package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stallmart/edge-bridge/internal/protocol"
)

// DefaultMaxRetries is the retry ceiling: a failed command below it is
// re-queued automatically, at or above it the failure is terminal.
const DefaultMaxRetries = 3

// Outcome describes what ProcessResponse did with a result.
type Outcome int

const (
	OutcomeUnknown   Outcome = iota // no command on record for the id
	OutcomeDuplicate                // command already in a terminal state
	OutcomeCompleted
	OutcomeRequeued // failed below the ceiling, back to Queued
	OutcomeExhausted
)

// Stats is the processor's observability view.
type Stats struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Terminal   int `json:"terminal"`
}

// Processor owns the lifecycle of every in-flight command. Responses and
// new commands arrive on independent paths, so all maps are guarded; the
// lock is never held across calls out.
type Processor struct {
	mu         sync.RWMutex
	commands   map[string]*Command
	queues     map[string][]string // tenant/agent -> command ids, FIFO
	maxRetries int
	logger     *slog.Logger
}

// NewProcessor creates a Processor. maxRetries of zero means the default.
func NewProcessor(maxRetries int, logger *slog.Logger) *Processor {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Processor{
		commands:   make(map[string]*Command),
		queues:     make(map[string][]string),
		maxRetries: maxRetries,
		logger:     logger.With("component", "processor"),
	}
}

func queueKey(tenantID, agentID string) string {
	return tenantID + "/" + agentID
}

// QueueTerminalCommand records a new payment-terminal command as Queued.
// The id allocated here is the correlation identifier for everything
// downstream; it exists before the command is visible anywhere else.
func (p *Processor) QueueTerminalCommand(tenantID, agentID string, cmdType protocol.CommandType, payload json.RawMessage, timeout time.Duration) (*Command, error) {
	return p.queue(tenantID, agentID, cmdType, protocol.DeviceTerminal, payload, timeout)
}

// QueueFiscalPrinterCommand records a new fiscal-printer command as Queued.
func (p *Processor) QueueFiscalPrinterCommand(tenantID, agentID string, cmdType protocol.CommandType, payload json.RawMessage, timeout time.Duration) (*Command, error) {
	return p.queue(tenantID, agentID, cmdType, protocol.DeviceFiscalPrinter, payload, timeout)
}

func (p *Processor) queue(tenantID, agentID string, cmdType protocol.CommandType, device protocol.DeviceType, payload json.RawMessage, timeout time.Duration) (*Command, error) {
	wants, err := cmdType.DeviceFor()
	if err != nil {
		return nil, err
	}
	if wants != device {
		return nil, fmt.Errorf("command type %s targets a %s, not a %s", cmdType, wants, device)
	}

	cmd := &Command{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		AgentID:  agentID,
		Type:     cmdType,
		Device:   device,
		Payload:  payload,
		Status:   StatusQueued,
		QueuedAt: time.Now(),
		Timeout:  timeout,
	}

	p.mu.Lock()
	p.commands[cmd.ID] = cmd
	k := queueKey(tenantID, agentID)
	p.queues[k] = append(p.queues[k], cmd.ID)
	p.mu.Unlock()

	p.logger.Debug("command queued",
		"command_id", cmd.ID,
		"tenant_id", tenantID,
		"agent_id", agentID,
		"command_type", cmdType,
	)
	return cmd.clone(), nil
}

// MarkProcessing transitions a Queued command to Processing when the hub
// pushes it to an agent. Re-marking an already Processing command (retry
// re-send) only refreshes StartedAt.
func (p *Processor) MarkProcessing(commandID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd, ok := p.commands[commandID]
	if !ok || cmd.Status.Terminal() {
		return false
	}
	if cmd.Status == StatusQueued {
		p.removeFromQueue(cmd)
	}
	cmd.Status = StatusProcessing
	cmd.StartedAt = time.Now()
	return true
}

// ProcessResponse applies an agent-reported result to the command it
// correlates with. Correlation is by command id scoped to the tenant; the
// reporting agent id is informational only. Failures below the retry
// ceiling re-queue the command; at or above it the command stays Failed
// and is reported as exhausted. Replayed results for terminal commands
// are ignored.
func (p *Processor) ProcessResponse(tenantID, agentID string, res *protocol.CommandResultPayload) (*Command, Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd, ok := p.commands[res.CommandID]
	if !ok || cmd.TenantID != tenantID {
		return nil, OutcomeUnknown
	}
	if agentID != cmd.AgentID {
		p.logger.Debug("result reported by different agent",
			"command_id", cmd.ID,
			"queued_for", cmd.AgentID,
			"reported_by", agentID,
		)
	}
	if cmd.Status.Terminal() {
		return cmd.clone(), OutcomeDuplicate
	}

	cmd.Response = res
	now := time.Now()

	if res.Success {
		if cmd.Status == StatusQueued {
			p.removeFromQueue(cmd)
		}
		cmd.Status = StatusCompleted
		cmd.CompletedAt = now
		return cmd.clone(), OutcomeCompleted
	}

	cmd.Retries++
	if cmd.Retries < p.maxRetries {
		if cmd.Status != StatusQueued {
			cmd.Status = StatusQueued
			k := queueKey(tenantID, agentID)
			p.queues[k] = append(p.queues[k], cmd.ID)
		}
		p.logger.Debug("command re-queued after failure",
			"command_id", cmd.ID,
			"retries", cmd.Retries,
			"error_code", res.ErrorCode,
		)
		return cmd.clone(), OutcomeRequeued
	}

	if cmd.Status == StatusQueued {
		p.removeFromQueue(cmd)
	}
	cmd.Status = StatusFailed
	cmd.CompletedAt = now
	p.logger.Warn("command retries exhausted",
		"command_id", cmd.ID,
		"retries", cmd.Retries,
		"error_code", res.ErrorCode,
	)
	return cmd.clone(), OutcomeExhausted
}

// MarkFailed forces a non-terminal command to Failed with the given error.
// The dispatcher uses it when its retry budget is exhausted without the
// agent ever reporting back, so the record remains for audit and cleanup.
func (p *Processor) MarkFailed(commandID, errorCode, errorMessage string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd, ok := p.commands[commandID]
	if !ok || cmd.Status.Terminal() {
		return false
	}
	if cmd.Status == StatusQueued {
		p.removeFromQueue(cmd)
	}
	cmd.Status = StatusFailed
	cmd.CompletedAt = time.Now()
	cmd.Response = &protocol.CommandResultPayload{
		CommandID:    commandID,
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
		CompletedAt:  cmd.CompletedAt,
	}
	return true
}

// CancelCommand marks a pending command Cancelled and removes it from the
// queue. A command already Processing or terminal is left alone; that is a
// no-op, not an error (the device may still complete the operation).
func (p *Processor) CancelCommand(tenantID, agentID, commandID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd, ok := p.commands[commandID]
	if !ok || cmd.TenantID != tenantID || cmd.AgentID != agentID {
		return false
	}
	if cmd.Status != StatusQueued {
		return false
	}
	p.removeFromQueue(cmd)
	cmd.Status = StatusCancelled
	cmd.CompletedAt = time.Now()
	p.logger.Info("command cancelled", "command_id", commandID)
	return true
}

// GetCommandStatus returns a copy of the command record, if any.
func (p *Processor) GetCommandStatus(commandID string) (*Command, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cmd, ok := p.commands[commandID]
	if !ok {
		return nil, false
	}
	return cmd.clone(), true
}

// GetPendingCommands returns the queued commands for (tenant, agent) in
// FIFO order.
func (p *Processor) GetPendingCommands(tenantID, agentID string) []*Command {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := p.queues[queueKey(tenantID, agentID)]
	out := make([]*Command, 0, len(ids))
	for _, id := range ids {
		if cmd, ok := p.commands[id]; ok {
			out = append(out, cmd.clone())
		}
	}
	return out
}

// CleanupCompletedCommands removes terminal-state commands whose
// completion is older than the cutoff. Returns the count removed; running
// it twice with the same cutoff removes nothing the second time.
func (p *Processor) CleanupCompletedCommands(olderThan time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, cmd := range p.commands {
		if cmd.Status.Terminal() && cmd.CompletedAt.Before(olderThan) {
			delete(p.commands, id)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("cleaned up completed commands", "removed", removed)
	}
	return removed
}

// TimeOutStuck marks Processing commands past their own timeout budget
// (with headroom for the dispatcher's full retry schedule) as TimedOut.
// Returns the count transitioned.
func (p *Processor) TimeOutStuck(headroom time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	timedOut := 0
	for _, cmd := range p.commands {
		if cmd.Status != StatusProcessing {
			continue
		}
		if now.Sub(cmd.StartedAt) > cmd.Timeout+headroom {
			cmd.Status = StatusTimedOut
			cmd.CompletedAt = now
			timedOut++
			p.logger.Warn("command timed out in processing", "command_id", cmd.ID)
		}
	}
	return timedOut
}

// Statistics returns aggregate command counts.
func (p *Processor) Statistics() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{Total: len(p.commands)}
	for _, cmd := range p.commands {
		switch {
		case cmd.Status == StatusQueued:
			s.Queued++
		case cmd.Status == StatusProcessing:
			s.Processing++
		case cmd.Status.Terminal():
			s.Terminal++
		}
	}
	return s
}

// RunSweeper garbage-collects terminal commands past the retention window
// and times out stuck ones, every interval, until ctx is done.
func (p *Processor) RunSweeper(ctx context.Context, interval, retention, timeoutHeadroom time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.TimeOutStuck(timeoutHeadroom)
			p.CleanupCompletedCommands(time.Now().Add(-retention))
		}
	}
}

// removeFromQueue drops the command id from its FIFO. Caller holds p.mu.
func (p *Processor) removeFromQueue(cmd *Command) {
	k := queueKey(cmd.TenantID, cmd.AgentID)
	ids := p.queues[k]
	for i, id := range ids {
		if id == cmd.ID {
			p.queues[k] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(p.queues[k]) == 0 {
		delete(p.queues, k)
	}
}
