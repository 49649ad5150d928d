// ABOUTME: Payload schemas for each command type in the closed set.
// ABOUTME: Shared by the cloud dispatcher and the edge device drivers.

package protocol

// AuthorizePaymentRequest starts a card authorization on the terminal.
// Amount is in minor units. Reference is the marketplace order reference;
// the terminal uses amount+reference to detect duplicate authorizations.
type AuthorizePaymentRequest struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

// CapturePaymentRequest captures a previously authorized transaction.
type CapturePaymentRequest struct {
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
}

// RefundPaymentRequest refunds all or part of a captured transaction.
type RefundPaymentRequest struct {
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason,omitempty"`
}

// CancelPaymentRequest voids an authorization that was never captured.
type CancelPaymentRequest struct {
	TransactionID string `json:"transaction_id"`
}

// PaymentResult is the terminal's answer to any payment command.
type PaymentResult struct {
	TransactionID string `json:"transaction_id"`
	AuthCode      string `json:"auth_code,omitempty"`
	CardMask      string `json:"card_mask,omitempty"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency,omitempty"`
}

// TerminalStatusResult reports the terminal's current condition.
type TerminalStatusResult struct {
	Model        string `json:"model,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Ready        bool   `json:"ready"`
	BatteryLevel int    `json:"battery_level,omitempty"`
}

// ReceiptLine is one item on a fiscal receipt.
type ReceiptLine struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	VATRate     int    `json:"vat_rate"`
}

// PrintFiscalReceiptRequest prints a fiscal receipt for a sale.
type PrintFiscalReceiptRequest struct {
	ReceiptNumber string        `json:"receipt_number"`
	BoothID       string        `json:"booth_id,omitempty"`
	Lines         []ReceiptLine `json:"lines"`
	Total         int64         `json:"total"`
}

// PrintDocumentRequest prints a non-fiscal document (e.g. a booth rental
// agreement or a consignment settlement slip).
type PrintDocumentRequest struct {
	Title string   `json:"title"`
	Lines []string `json:"lines"`
}

// DailyReportRequest runs the printer's daily fiscal report.
// ReportType "X" is a read-only snapshot, "Z" closes the fiscal day.
type DailyReportRequest struct {
	ReportType string `json:"report_type"`
}

// PrintResult is the printer's answer to a print command.
type PrintResult struct {
	FiscalNumber string `json:"fiscal_number,omitempty"`
	DocumentID   string `json:"document_id,omitempty"`
}

// DailyReportResult summarizes the fiscal day.
type DailyReportResult struct {
	ReportType   string `json:"report_type"`
	FiscalNumber string `json:"fiscal_number"`
	GrossTotal   int64  `json:"gross_total"`
	ReceiptCount int    `json:"receipt_count"`
}

// PrinterStatusResult reports the fiscal printer's current condition.
type PrinterStatusResult struct {
	Model       string `json:"model,omitempty"`
	PaperOut    bool   `json:"paper_out"`
	CoverOpen   bool   `json:"cover_open"`
	UnsentDocs  int    `json:"unsent_docs"`
	FiscalReady bool   `json:"fiscal_ready"`
}
