// Package dispatch is the typed request/response surface the marketplace
// backend calls to operate devices behind an agent.
//
// # Calling convention
//
// One method per device operation (AuthorizePayment, PrintFiscalReceipt,
// ...). The tenant comes from the ambient context via internal/auth; a
// call without one fails fast with ErrNoTenantContext.
//
// # Failure is data
//
// Transient trouble — agent offline, device error, timeout — never
// surfaces as a Go error. Each attempt waits up to the command timeout;
// failed or unanswered attempts are retried with a delay, re-sending the
// command in full. When the schedule is exhausted the caller gets a
// result with Success=false and ErrorCode DEVICE_COMMUNICATION_ERROR.
// The only errors this package returns are ErrNoTenantContext and the
// caller's own context cancellation.
//
// # Waiters
//
// Every attempt registers a one-shot waiter keyed by command id.
// Re-registration replaces any stale waiter from a previous attempt, so
// a late response from an abandoned attempt resolves no one.
//
// A per-tenant circuit breaker opens after consecutive exhausted
// dispatches and fails fast (same failure-shaped result) until the reset
// window lets a probe through.
package dispatch
