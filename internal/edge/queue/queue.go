// ABOUTME: Bounded in-memory FIFO of commands awaiting local execution.
// ABOUTME: Push rejects at capacity; Pull blocks until an item or context cancel.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/stallmart/edge-bridge/internal/protocol"
)

// ErrQueueFull is returned when the queue is at capacity. The rejection
// flows back to the gateway as a failed result rather than silently
// growing memory.
var ErrQueueFull = errors.New("command queue full")

// DefaultCapacity bounds the queue when the config leaves it unset.
const DefaultCapacity = 1000

// Item is one command awaiting execution.
type Item struct {
	CommandID string
	Type      protocol.CommandType
	Payload   json.RawMessage
	TimeoutMS int64
}

// Queue is a bounded FIFO. Cancelled commands are removed in place;
// order among the rest is preserved.
type Queue struct {
	mu       sync.Mutex
	items    []*Item
	capacity int
	notify   chan struct{}
	done     chan struct{}
	closed   bool
}

// New creates a queue with the given capacity. Non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends an item. Returns ErrQueueFull at capacity.
func (q *Queue) Push(item *Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue closed")
	}
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pull blocks until an item is available or ctx is done. The item is
// removed from the queue; callers own it from here.
func (q *Queue) Pull(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, errors.New("queue closed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

// Remove drops a queued command by id, for cancellation. Returns false
// when the command is not queued (already pulled or never pushed).
func (q *Queue) Remove(commandID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.CommandID == commandID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports how many commands are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes blocked Pull callers; subsequent pushes fail. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
