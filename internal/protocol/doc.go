// Package protocol defines the wire contract between the gateway and the
// edge agents.
//
// # Envelopes
//
// Every message on the channel is a named JSON envelope:
//
//	{"type": "ExecuteTerminalCommand", "id": "...", "sent_at": "...", "payload": {...}}
//
// The payload schema depends on the type. Identity never travels in the
// envelope; it is resolved from connection headers when the channel is
// established.
//
// # Command types
//
// Commands form a closed set, each bound to one device type:
//
//   - terminal: authorize-payment, capture-payment, refund-payment,
//     cancel-payment, check-terminal-status
//   - fiscal-printer: print-fiscal-receipt, print-non-fiscal-document,
//     get-daily-report, check-printer-status
//
// DeviceFor maps a command type to its device; anything outside the set
// is an error, never a silent pass-through.
package protocol
