// ABOUTME: Public entry point turning typed device operations into command round trips.
// ABOUTME: Bounded retry with per-attempt timeout; exhaustion surfaces as data, not faults.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stallmart/edge-bridge/internal/auth"
	"github.com/stallmart/edge-bridge/internal/command"
	"github.com/stallmart/edge-bridge/internal/protocol"
	"github.com/stallmart/edge-bridge/internal/registry"
)

// Config bounds every dispatch round trip.
type Config struct {
	CommandTimeout   time.Duration // per-attempt budget
	MaxRetries       int           // total attempts
	RetryDelay       time.Duration // pause between attempts
	BreakerThreshold int           // consecutive exhaustions before fail-fast
	BreakerReset     time.Duration // open-state duration before a probe
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:   30 * time.Second,
		MaxRetries:       3,
		RetryDelay:       2 * time.Second,
		BreakerThreshold: 5,
		BreakerReset:     60 * time.Second,
	}
}

// Pusher delivers a command envelope to an agent's current connection.
// Returns false when no connection is registered; the push is a no-op and
// the dispatcher's retry/timeout schedule surfaces the failure.
type Pusher interface {
	PushCommand(tenantID, agentID string, msgType protocol.MessageType, cmd *protocol.ExecuteCommandPayload) bool
	PushCancel(tenantID, agentID, commandID string)
}

// AgentLocator finds the live agent for a tenant. *registry.Registry
// implements it.
type AgentLocator interface {
	GetActiveAgent(tenantID string) (registry.Snapshot, bool)
}

// Dispatcher converts typed device operations into commands against the
// processor, waits for correlated results, and retries on failure.
type Dispatcher struct {
	cfg       Config
	processor *command.Processor
	pusher    Pusher
	agents    AgentLocator
	waiters   *waiterTable
	breakers  *breakerSet
	logger    *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config, processor *command.Processor, pusher Pusher, agents AgentLocator, logger *slog.Logger) *Dispatcher {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 60 * time.Second
	}
	return &Dispatcher{
		cfg:       cfg,
		processor: processor,
		pusher:    pusher,
		agents:    agents,
		waiters:   newWaiterTable(),
		breakers:  newBreakerSet(cfg.BreakerThreshold, cfg.BreakerReset),
		logger:    logger.With("component", "dispatcher"),
	}
}

// Resolve delivers an agent-reported result to the attempt waiting on the
// command id, if one still is. Late results for attempts that already gave
// up, and replays of already-applied results, return false and are
// discarded by the caller.
func (d *Dispatcher) Resolve(commandID string, res *protocol.CommandResultPayload) bool {
	return d.waiters.resolve(commandID, res)
}

// PendingWaiters reports how many attempts are currently blocked.
func (d *Dispatcher) PendingWaiters() int {
	return d.waiters.pending()
}

// AuthorizePayment runs a card authorization on the tenant's terminal.
func (d *Dispatcher) AuthorizePayment(ctx context.Context, req *protocol.AuthorizePaymentRequest) (*PaymentResponse, error) {
	return paymentOp(d, ctx, protocol.CmdAuthorizePayment, req)
}

// CapturePayment captures a previously authorized transaction.
func (d *Dispatcher) CapturePayment(ctx context.Context, req *protocol.CapturePaymentRequest) (*PaymentResponse, error) {
	return paymentOp(d, ctx, protocol.CmdCapturePayment, req)
}

// RefundPayment refunds a captured transaction.
func (d *Dispatcher) RefundPayment(ctx context.Context, req *protocol.RefundPaymentRequest) (*PaymentResponse, error) {
	return paymentOp(d, ctx, protocol.CmdRefundPayment, req)
}

// CancelPayment voids an authorization that was never captured.
func (d *Dispatcher) CancelPayment(ctx context.Context, req *protocol.CancelPaymentRequest) (*PaymentResponse, error) {
	return paymentOp(d, ctx, protocol.CmdCancelPayment, req)
}

// CheckTerminalStatus queries the terminal's condition.
func (d *Dispatcher) CheckTerminalStatus(ctx context.Context) (*TerminalStatusResponse, error) {
	raw, result, err := d.execute(ctx, protocol.CmdCheckTerminalStatus, struct{}{})
	if err != nil {
		return nil, err
	}
	resp := &TerminalStatusResponse{Result: *result}
	if result.Success {
		resp.Status = decodeInto[protocol.TerminalStatusResult](d, raw)
	}
	return resp, nil
}

// PrintFiscalReceipt prints a fiscal receipt on the tenant's printer.
func (d *Dispatcher) PrintFiscalReceipt(ctx context.Context, req *protocol.PrintFiscalReceiptRequest) (*PrintResponse, error) {
	return printOp(d, ctx, protocol.CmdPrintFiscalReceipt, req)
}

// PrintNonFiscalDocument prints an informational document.
func (d *Dispatcher) PrintNonFiscalDocument(ctx context.Context, req *protocol.PrintDocumentRequest) (*PrintResponse, error) {
	return printOp(d, ctx, protocol.CmdPrintNonFiscalDoc, req)
}

// GetDailyFiscalReport runs the printer's X or Z report.
func (d *Dispatcher) GetDailyFiscalReport(ctx context.Context, req *protocol.DailyReportRequest) (*DailyReportResponse, error) {
	raw, result, err := d.execute(ctx, protocol.CmdGetDailyReport, req)
	if err != nil {
		return nil, err
	}
	resp := &DailyReportResponse{Result: *result}
	if result.Success {
		resp.Report = decodeInto[protocol.DailyReportResult](d, raw)
	}
	return resp, nil
}

// CheckFiscalPrinterStatus queries the printer's condition.
func (d *Dispatcher) CheckFiscalPrinterStatus(ctx context.Context) (*PrinterStatusResponse, error) {
	raw, result, err := d.execute(ctx, protocol.CmdCheckPrinterStatus, struct{}{})
	if err != nil {
		return nil, err
	}
	resp := &PrinterStatusResponse{Result: *result}
	if result.Success {
		resp.Status = decodeInto[protocol.PrinterStatusResult](d, raw)
	}
	return resp, nil
}

func paymentOp(d *Dispatcher, ctx context.Context, cmdType protocol.CommandType, req any) (*PaymentResponse, error) {
	raw, result, err := d.execute(ctx, cmdType, req)
	if err != nil {
		return nil, err
	}
	resp := &PaymentResponse{Result: *result}
	if result.Success {
		resp.Payment = decodeInto[protocol.PaymentResult](d, raw)
	}
	return resp, nil
}

func printOp(d *Dispatcher, ctx context.Context, cmdType protocol.CommandType, req any) (*PrintResponse, error) {
	raw, result, err := d.execute(ctx, cmdType, req)
	if err != nil {
		return nil, err
	}
	resp := &PrintResponse{Result: *result}
	if result.Success {
		resp.Print = decodeInto[protocol.PrintResult](d, raw)
	}
	return resp, nil
}

// decodeInto unmarshals a device result; a malformed body on a successful
// result is logged and yields nil rather than failing the whole dispatch.
func decodeInto[T any](d *Dispatcher, res *protocol.CommandResultPayload) *T {
	if res == nil || len(res.Result) == 0 {
		return nil
	}
	var v T
	if err := json.Unmarshal(res.Result, &v); err != nil {
		d.logger.Warn("undecodable device result",
			"command_id", res.CommandID,
			"error", err,
		)
		return nil
	}
	return &v
}

// execute is the shared round trip: queue, push, wait, retry, exhaust.
// Each attempt re-sends the full command; the device driver is
// responsible for real-world idempotence (e.g. duplicate detection by
// amount+reference).
func (d *Dispatcher) execute(ctx context.Context, cmdType protocol.CommandType, req any) (*protocol.CommandResultPayload, *Result, error) {
	tc := auth.FromContext(ctx)
	if tc == nil || tc.TenantID == "" {
		return nil, nil, ErrNoTenantContext
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling %s request: %w", cmdType, err)
	}

	device, err := cmdType.DeviceFor()
	if err != nil {
		return nil, nil, err
	}

	br := d.breakers.forTenant(tc.TenantID)
	if !br.Allow() {
		return nil, &Result{
			ErrorCode:    ErrCodeDeviceCommunication,
			ErrorMessage: "circuit open: edge unavailable for tenant",
		}, nil
	}

	agentID := tc.AgentID
	if agentID == "" {
		if snap, ok := d.agents.GetActiveAgent(tc.TenantID); ok {
			agentID = snap.AgentID
		}
	}

	var cmd *command.Command
	if device == protocol.DeviceTerminal {
		cmd, err = d.processor.QueueTerminalCommand(tc.TenantID, agentID, cmdType, payload, d.cfg.CommandTimeout)
	} else {
		cmd, err = d.processor.QueueFiscalPrinterCommand(tc.TenantID, agentID, cmdType, payload, d.cfg.CommandTimeout)
	}
	if err != nil {
		return nil, nil, err
	}

	msgType := protocol.MsgExecuteTerminalCommand
	if device == protocol.DeviceFiscalPrinter {
		msgType = protocol.MsgExecuteFiscalPrinterCommand
	}

	start := time.Now()
	lastErr := "no response from agent"

	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(d.cfg.RetryDelay):
			case <-ctx.Done():
				d.processor.CancelCommand(tc.TenantID, agentID, cmd.ID)
				return nil, nil, ctx.Err()
			}
		}

		// Fresh waiter per attempt; any response racing the gap between
		// attempts finds no waiter and is discarded.
		w := d.waiters.register(cmd.ID)

		// Re-resolve the target: the agent may have (re)connected since
		// the previous attempt.
		target := agentID
		if target == "" {
			if snap, ok := d.agents.GetActiveAgent(tc.TenantID); ok {
				target = snap.AgentID
			}
		}

		delivered := false
		if target != "" {
			delivered = d.pusher.PushCommand(tc.TenantID, target, msgType, &protocol.ExecuteCommandPayload{
				CommandID: cmd.ID,
				Type:      cmdType,
				Payload:   payload,
				TimeoutMS: d.cfg.CommandTimeout.Milliseconds(),
			})
		}
		if delivered {
			d.processor.MarkProcessing(cmd.ID)
		} else {
			lastErr = "no active agent for tenant"
		}

		timer := time.NewTimer(d.cfg.CommandTimeout)
		select {
		case res := <-w.ch:
			timer.Stop()
			d.waiters.remove(cmd.ID, w)
			if res.Success {
				br.Success()
				return res, &Result{
					Success:   true,
					CommandID: cmd.ID,
					Elapsed:   time.Since(start),
					Attempts:  attempt,
				}, nil
			}
			if res.ErrorMessage != "" {
				lastErr = res.ErrorMessage
			} else if res.ErrorCode != "" {
				lastErr = res.ErrorCode
			} else {
				lastErr = "device reported failure"
			}
			d.logger.Debug("attempt failed",
				"command_id", cmd.ID,
				"attempt", attempt,
				"error", lastErr,
			)

		case <-timer.C:
			d.waiters.remove(cmd.ID, w)
			lastErr = fmt.Sprintf("attempt %d timed out after %s", attempt, d.cfg.CommandTimeout)

		case <-ctx.Done():
			timer.Stop()
			d.waiters.remove(cmd.ID, w)
			// Advisory: the device may still complete; a late result is
			// logged by the hub and delivered to no one.
			d.processor.CancelCommand(tc.TenantID, agentID, cmd.ID)
			if target != "" {
				d.pusher.PushCancel(tc.TenantID, target, cmd.ID)
			}
			return nil, nil, ctx.Err()
		}
	}

	br.Failure()
	d.processor.MarkFailed(cmd.ID, ErrCodeDeviceCommunication, lastErr)
	elapsed := time.Since(start)
	d.logger.Warn("dispatch exhausted",
		"command_id", cmd.ID,
		"command_type", cmdType,
		"tenant_id", tc.TenantID,
		"elapsed", elapsed,
		"error", lastErr,
	)
	return nil, &Result{
		ErrorCode:    ErrCodeDeviceCommunication,
		ErrorMessage: lastErr,
		CommandID:    cmd.ID,
		Elapsed:      elapsed,
		Attempts:     d.cfg.MaxRetries,
	}, nil
}
