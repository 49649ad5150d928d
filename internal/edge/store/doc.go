// Package store persists edge commands in sqlite so a crash or power
// loss never drops accepted work. Commands are written before execution
// is attempted, marked on each transition, replayed on boot while
// non-terminal, and purged by a periodic sweep once terminal.
package store
