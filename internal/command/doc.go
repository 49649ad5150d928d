// Package command owns the lifecycle of every in-flight command on the
// cloud side.
//
// # State machine
//
//	Queued -> Processing -> {Completed, Failed, TimedOut, Cancelled}
//
// The only backward edge is Failed -> Queued, taken automatically while
// the retry count is below the ceiling. Terminal states are final: a
// result arriving for a finished command is reported as a duplicate and
// discarded, which is what makes result delivery idempotent.
//
// Correlation is by command id (and tenant); never by session identity,
// so an agent that reconnected mid-command can still complete it.
package command
