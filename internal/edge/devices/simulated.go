// ABOUTME: Simulated terminal and printer drivers for development and tests.
// ABOUTME: In-memory transaction/receipt books with deterministic failure hooks.

package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stallmart/edge-bridge/internal/protocol"
)

// SimulatedTerminal is an in-memory payment terminal. It remembers
// authorized transactions so capture/refund/cancel validate against the
// same book a real terminal would keep.
type SimulatedTerminal struct {
	mu           sync.Mutex
	transactions map[string]*protocol.PaymentResult
	captured     map[string]bool

	// FailNext, when set, makes the next operation fail with this error.
	FailNext error
}

// NewSimulatedTerminal creates a terminal with an empty transaction book.
func NewSimulatedTerminal() *SimulatedTerminal {
	return &SimulatedTerminal{
		transactions: make(map[string]*protocol.PaymentResult),
		captured:     make(map[string]bool),
	}
}

func (t *SimulatedTerminal) failNext() error {
	err := t.FailNext
	t.FailNext = nil
	return err
}

func (t *SimulatedTerminal) Authorize(ctx context.Context, req *protocol.AuthorizePaymentRequest) (*protocol.PaymentResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failNext(); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, &DeviceError{Code: "INVALID_AMOUNT", Message: "amount must be positive"}
	}

	res := &protocol.PaymentResult{
		TransactionID: uuid.New().String(),
		AuthCode:      fmt.Sprintf("A%06d", len(t.transactions)+1),
		CardMask:      "**** **** **** 4242",
		Amount:        req.Amount,
		Currency:      req.Currency,
	}
	t.transactions[res.TransactionID] = res
	return res, nil
}

func (t *SimulatedTerminal) Capture(ctx context.Context, req *protocol.CapturePaymentRequest) (*protocol.PaymentResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failNext(); err != nil {
		return nil, err
	}

	txn, ok := t.transactions[req.TransactionID]
	if !ok {
		return nil, &DeviceError{Code: "UNKNOWN_TRANSACTION", Message: req.TransactionID}
	}
	if t.captured[req.TransactionID] {
		return nil, &DeviceError{Code: "ALREADY_CAPTURED", Message: req.TransactionID}
	}
	if req.Amount > txn.Amount {
		return nil, &DeviceError{Code: "AMOUNT_EXCEEDS_AUTH", Message: fmt.Sprintf("%d > %d", req.Amount, txn.Amount)}
	}
	t.captured[req.TransactionID] = true

	res := *txn
	if req.Amount > 0 {
		res.Amount = req.Amount
	}
	return &res, nil
}

func (t *SimulatedTerminal) Refund(ctx context.Context, req *protocol.RefundPaymentRequest) (*protocol.PaymentResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failNext(); err != nil {
		return nil, err
	}

	txn, ok := t.transactions[req.TransactionID]
	if !ok {
		return nil, &DeviceError{Code: "UNKNOWN_TRANSACTION", Message: req.TransactionID}
	}
	if !t.captured[req.TransactionID] {
		return nil, &DeviceError{Code: "NOT_CAPTURED", Message: req.TransactionID}
	}
	res := *txn
	res.Amount = req.Amount
	return &res, nil
}

func (t *SimulatedTerminal) Cancel(ctx context.Context, req *protocol.CancelPaymentRequest) (*protocol.PaymentResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failNext(); err != nil {
		return nil, err
	}

	txn, ok := t.transactions[req.TransactionID]
	if !ok {
		return nil, &DeviceError{Code: "UNKNOWN_TRANSACTION", Message: req.TransactionID}
	}
	if t.captured[req.TransactionID] {
		return nil, &DeviceError{Code: "ALREADY_CAPTURED", Message: "captured transactions must be refunded"}
	}
	delete(t.transactions, req.TransactionID)
	return txn, nil
}

func (t *SimulatedTerminal) Status(ctx context.Context) (*protocol.TerminalStatusResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failNext(); err != nil {
		return nil, err
	}
	return &protocol.TerminalStatusResult{
		Model:        "SIM-T1",
		SerialNumber: "SIM000001",
		Ready:        true,
		BatteryLevel: 100,
	}, nil
}

// SimulatedPrinter is an in-memory fiscal printer. Fiscal numbers are
// monotonic; a Z report closes the day and resets the counters.
type SimulatedPrinter struct {
	mu          sync.Mutex
	fiscalSeq   int
	dayGross    int64
	dayReceipts int
	printedDocs int

	PaperOut bool
	FailNext error
}

// NewSimulatedPrinter creates a printer with a fresh fiscal day.
func NewSimulatedPrinter() *SimulatedPrinter {
	return &SimulatedPrinter{}
}

func (p *SimulatedPrinter) failNext() error {
	err := p.FailNext
	p.FailNext = nil
	return err
}

func (p *SimulatedPrinter) nextFiscalNumber() string {
	p.fiscalSeq++
	return fmt.Sprintf("F%08d", p.fiscalSeq)
}

func (p *SimulatedPrinter) PrintReceipt(ctx context.Context, req *protocol.PrintFiscalReceiptRequest) (*protocol.PrintResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext(); err != nil {
		return nil, err
	}
	if p.PaperOut {
		return nil, &DeviceError{Code: "PAPER_OUT", Message: "load paper and retry"}
	}
	if len(req.Lines) == 0 {
		return nil, &DeviceError{Code: "EMPTY_RECEIPT", Message: "receipt has no lines"}
	}

	p.dayGross += req.Total
	p.dayReceipts++
	return &protocol.PrintResult{FiscalNumber: p.nextFiscalNumber()}, nil
}

func (p *SimulatedPrinter) PrintDocument(ctx context.Context, req *protocol.PrintDocumentRequest) (*protocol.PrintResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext(); err != nil {
		return nil, err
	}
	if p.PaperOut {
		return nil, &DeviceError{Code: "PAPER_OUT", Message: "load paper and retry"}
	}
	p.printedDocs++
	return &protocol.PrintResult{DocumentID: fmt.Sprintf("D%06d", p.printedDocs)}, nil
}

func (p *SimulatedPrinter) DailyReport(ctx context.Context, req *protocol.DailyReportRequest) (*protocol.DailyReportResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext(); err != nil {
		return nil, err
	}

	res := &protocol.DailyReportResult{
		ReportType:   req.ReportType,
		FiscalNumber: p.nextFiscalNumber(),
		GrossTotal:   p.dayGross,
		ReceiptCount: p.dayReceipts,
	}
	switch req.ReportType {
	case "X":
		// Read-only snapshot.
	case "Z":
		p.dayGross = 0
		p.dayReceipts = 0
	default:
		return nil, &DeviceError{Code: "INVALID_REPORT_TYPE", Message: req.ReportType}
	}
	return res, nil
}

func (p *SimulatedPrinter) Status(ctx context.Context) (*protocol.PrinterStatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext(); err != nil {
		return nil, err
	}
	return &protocol.PrinterStatusResult{
		Model:       "SIM-P1",
		PaperOut:    p.PaperOut,
		FiscalReady: !p.PaperOut,
	}, nil
}
