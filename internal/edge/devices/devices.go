// ABOUTME: Device manager owning the terminal and fiscal printer drivers.
// ABOUTME: Routes commands by type and reports status changes independent of connectivity.

package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stallmart/edge-bridge/internal/protocol"
)

// TerminalDriver talks to one payment terminal. Implementations wrap the
// brand-specific protocol; errors come back as plain errors and the
// manager turns them into failed results.
type TerminalDriver interface {
	Authorize(ctx context.Context, req *protocol.AuthorizePaymentRequest) (*protocol.PaymentResult, error)
	Capture(ctx context.Context, req *protocol.CapturePaymentRequest) (*protocol.PaymentResult, error)
	Refund(ctx context.Context, req *protocol.RefundPaymentRequest) (*protocol.PaymentResult, error)
	Cancel(ctx context.Context, req *protocol.CancelPaymentRequest) (*protocol.PaymentResult, error)
	Status(ctx context.Context) (*protocol.TerminalStatusResult, error)
}

// PrinterDriver talks to one fiscal printer.
type PrinterDriver interface {
	PrintReceipt(ctx context.Context, req *protocol.PrintFiscalReceiptRequest) (*protocol.PrintResult, error)
	PrintDocument(ctx context.Context, req *protocol.PrintDocumentRequest) (*protocol.PrintResult, error)
	DailyReport(ctx context.Context, req *protocol.DailyReportRequest) (*protocol.DailyReportResult, error)
	Status(ctx context.Context) (*protocol.PrinterStatusResult, error)
}

// StatusListener observes device status transitions, typically to report
// them upstream when a connection is available.
type StatusListener func(deviceID string, status protocol.DeviceStatus, details map[string]string)

type device struct {
	info     protocol.DeviceInfo
	terminal TerminalDriver
	printer  PrinterDriver
}

// Manager owns the peripherals. It keeps working while the channel is
// down; connectivity only affects when results are delivered.
type Manager struct {
	mu        sync.RWMutex
	devices   map[string]*device
	listeners []StatusListener
	logger    *slog.Logger
}

// NewManager creates an empty device manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		devices: make(map[string]*device),
		logger:  logger.With("component", "devices"),
	}
}

// AddTerminal registers a payment terminal.
func (m *Manager) AddTerminal(id, model string, primary bool, drv TerminalDriver) {
	m.add(id, protocol.DeviceTerminal, model, primary, &device{terminal: drv})
}

// AddPrinter registers a fiscal printer.
func (m *Manager) AddPrinter(id, model string, primary bool, drv PrinterDriver) {
	m.add(id, protocol.DeviceFiscalPrinter, model, primary, &device{printer: drv})
}

func (m *Manager) add(id string, typ protocol.DeviceType, model string, primary bool, d *device) {
	d.info = protocol.DeviceInfo{
		DeviceID:  id,
		Type:      typ,
		Status:    protocol.DeviceReady,
		Primary:   primary,
		Model:     model,
		UpdatedAt: time.Now(),
	}
	m.mu.Lock()
	m.devices[id] = d
	m.mu.Unlock()
	m.logger.Info("device registered", "device_id", id, "type", typ, "model", model)
}

// OnStatusChange registers a listener for device status transitions.
func (m *Manager) OnStatusChange(fn StatusListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetStatus records a device status transition and notifies listeners.
// Unchanged status is not re-announced.
func (m *Manager) SetStatus(deviceID string, status protocol.DeviceStatus, details map[string]string) {
	m.mu.Lock()
	d, ok := m.devices[deviceID]
	if !ok || d.info.Status == status {
		m.mu.Unlock()
		return
	}
	d.info.Status = status
	d.info.UpdatedAt = time.Now()
	listeners := make([]StatusListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Info("device status changed", "device_id", deviceID, "status", status)
	for _, fn := range listeners {
		fn(deviceID, status, details)
	}
}

// Devices returns the current device declaration for registration.
func (m *Manager) Devices() []protocol.DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]protocol.DeviceInfo, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.info)
	}
	return out
}

// primaryFor picks the device that executes commands of the given type:
// the primary of that type, or any device of the type with no primary.
func (m *Manager) primaryFor(typ protocol.DeviceType) *device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fallback *device
	for _, d := range m.devices {
		if d.info.Type != typ {
			continue
		}
		if d.info.Primary {
			return d
		}
		if fallback == nil {
			fallback = d
		}
	}
	return fallback
}

// Execute runs one command against the appropriate device and shapes the
// outcome as a result payload. Driver errors become failed results with
// an error code; they are never swallowed and never panic the loop.
func (m *Manager) Execute(ctx context.Context, commandID string, cmdType protocol.CommandType, payload json.RawMessage, timeout time.Duration) *protocol.CommandResultPayload {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := m.execute(ctx, cmdType, payload)
	res := &protocol.CommandResultPayload{
		CommandID:   commandID,
		CompletedAt: time.Now().UTC(),
	}
	if err != nil {
		m.logger.Warn("command failed", "command_id", commandID, "type", cmdType, "error", err)
		res.Success = false
		res.ErrorCode = errorCode(err)
		res.ErrorMessage = err.Error()
		return res
	}

	raw, err := json.Marshal(result)
	if err != nil {
		res.Success = false
		res.ErrorCode = "INTERNAL_ERROR"
		res.ErrorMessage = fmt.Sprintf("encoding result: %v", err)
		return res
	}
	res.Success = true
	res.Result = raw
	return res
}

func (m *Manager) execute(ctx context.Context, cmdType protocol.CommandType, payload json.RawMessage) (any, error) {
	devType, err := cmdType.DeviceFor()
	if err != nil {
		return nil, err
	}
	dev := m.primaryFor(devType)
	if dev == nil {
		return nil, &DeviceError{Code: "DEVICE_UNAVAILABLE", Message: fmt.Sprintf("no %s attached", devType)}
	}

	switch cmdType {
	case protocol.CmdAuthorizePayment:
		req, err := decode[protocol.AuthorizePaymentRequest](payload)
		if err != nil {
			return nil, err
		}
		return dev.terminal.Authorize(ctx, req)
	case protocol.CmdCapturePayment:
		req, err := decode[protocol.CapturePaymentRequest](payload)
		if err != nil {
			return nil, err
		}
		return dev.terminal.Capture(ctx, req)
	case protocol.CmdRefundPayment:
		req, err := decode[protocol.RefundPaymentRequest](payload)
		if err != nil {
			return nil, err
		}
		return dev.terminal.Refund(ctx, req)
	case protocol.CmdCancelPayment:
		req, err := decode[protocol.CancelPaymentRequest](payload)
		if err != nil {
			return nil, err
		}
		return dev.terminal.Cancel(ctx, req)
	case protocol.CmdCheckTerminalStatus:
		return dev.terminal.Status(ctx)
	case protocol.CmdPrintFiscalReceipt:
		req, err := decode[protocol.PrintFiscalReceiptRequest](payload)
		if err != nil {
			return nil, err
		}
		return dev.printer.PrintReceipt(ctx, req)
	case protocol.CmdPrintNonFiscalDoc:
		req, err := decode[protocol.PrintDocumentRequest](payload)
		if err != nil {
			return nil, err
		}
		return dev.printer.PrintDocument(ctx, req)
	case protocol.CmdGetDailyReport:
		req, err := decode[protocol.DailyReportRequest](payload)
		if err != nil {
			return nil, err
		}
		return dev.printer.DailyReport(ctx, req)
	case protocol.CmdCheckPrinterStatus:
		return dev.printer.Status(ctx)
	}
	return nil, fmt.Errorf("unhandled command type %q", cmdType)
}

func decode[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return nil, &DeviceError{Code: "INVALID_PAYLOAD", Message: "missing command payload"}
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, &DeviceError{Code: "INVALID_PAYLOAD", Message: err.Error()}
	}
	return &v, nil
}

// DeviceError is a driver failure with a stable machine-readable code.
type DeviceError struct {
	Code    string
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errorCode(err error) string {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "DEVICE_TIMEOUT"
	}
	return "DEVICE_ERROR"
}
