// Package queue is a bounded in-memory FIFO feeding the edge execution
// loop. Pushing past capacity fails instead of blocking, so the agent can
// reject work upfront rather than accept commands it will never run.
package queue
