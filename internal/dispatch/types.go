// ABOUTME: Typed request/response surface the business logic calls into.
// ABOUTME: Failure is data (a Result with an error code), never a raised transport fault.

package dispatch

import (
	"errors"
	"time"

	"github.com/stallmart/edge-bridge/internal/protocol"
)

// ErrCodeDeviceCommunication tags an exhausted dispatch: all retry
// attempts failed, whether the network ate the command or the device
// said no.
const ErrCodeDeviceCommunication = "DEVICE_COMMUNICATION_ERROR"

// ErrNoTenantContext is the fail-fast configuration error for calls made
// without an ambient tenant. This is the only class of failure the
// dispatcher raises; everything transient comes back as a Result.
var ErrNoTenantContext = errors.New("dispatch: no tenant context on request")

// Result is the outcome header shared by every typed response. Callers
// branch on Success and ErrorCode; they never see transport errors.
type Result struct {
	Success      bool          `json:"success"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CommandID    string        `json:"command_id"`
	Elapsed      time.Duration `json:"elapsed"`
	Attempts     int           `json:"attempts"`
}

// Failed reports whether the result is failure-shaped.
func (r Result) Failed() bool { return !r.Success }

// PaymentResponse is the typed result of a payment operation.
type PaymentResponse struct {
	Result
	Payment *protocol.PaymentResult `json:"payment,omitempty"`
}

// TerminalStatusResponse is the typed result of a terminal status check.
type TerminalStatusResponse struct {
	Result
	Status *protocol.TerminalStatusResult `json:"status,omitempty"`
}

// PrintResponse is the typed result of a print operation.
type PrintResponse struct {
	Result
	Print *protocol.PrintResult `json:"print,omitempty"`
}

// DailyReportResponse is the typed result of a daily fiscal report.
type DailyReportResponse struct {
	Result
	Report *protocol.DailyReportResult `json:"report,omitempty"`
}

// PrinterStatusResponse is the typed result of a printer status check.
type PrinterStatusResponse struct {
	Result
	Status *protocol.PrinterStatusResult `json:"status,omitempty"`
}
