// Package runner is the edge execution loop. Pushed commands are
// persisted, queued, executed on the device manager, and their results
// delivered upstream. Execution is at-least-once: a command only goes
// terminal in the offline store after its result left on an open
// connection, so crashes and disconnects replay rather than drop work.
package runner
