// ABOUTME: One-shot completion handles correlating async results to waiting attempts.
// ABOUTME: At most one waiter resolved per response; stale waiters are torn down on retry.

package dispatch

import (
	"sync"

	"github.com/stallmart/edge-bridge/internal/protocol"
)

// waiter is the completion handle for one dispatch attempt. The channel
// has capacity one and the delivered flag makes it strictly one-shot.
type waiter struct {
	ch        chan *protocol.CommandResultPayload
	delivered bool
}

// waiterTable maps command id -> the current attempt's waiter. Registering
// replaces any earlier waiter, so a response arriving between attempts
// finds nothing to resolve and is discarded.
type waiterTable struct {
	mu sync.Mutex
	m  map[string]*waiter
}

func newWaiterTable() *waiterTable {
	return &waiterTable{m: make(map[string]*waiter)}
}

// register installs a fresh waiter for the command, abandoning any stale
// one. Must be called before each attempt re-sends.
func (t *waiterTable) register(commandID string) *waiter {
	w := &waiter{ch: make(chan *protocol.CommandResultPayload, 1)}
	t.mu.Lock()
	t.m[commandID] = w
	t.mu.Unlock()
	return w
}

// remove tears the waiter down, but only if it is still the current one
// for the command.
func (t *waiterTable) remove(commandID string, w *waiter) {
	t.mu.Lock()
	if t.m[commandID] == w {
		delete(t.m, commandID)
	}
	t.mu.Unlock()
}

// resolve delivers a result to the current waiter, if any. Returns false
// when no attempt is waiting or the waiter was already resolved; the
// caller logs and discards such results.
func (t *waiterTable) resolve(commandID string, res *protocol.CommandResultPayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.m[commandID]
	if !ok || w.delivered {
		return false
	}
	w.delivered = true
	w.ch <- res
	return true
}

// pending returns the number of registered waiters, for observability.
func (t *waiterTable) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
