// ABOUTME: Queue tests covering FIFO order, capacity, blocking Pull, and cancel removal.

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stallmart/edge-bridge/internal/protocol"
)

func item(id string) *Item {
	return &Item{CommandID: id, Type: protocol.CmdAuthorizePayment, TimeoutMS: 30000}
}

func TestFIFOOrder(t *testing.T) {
	q := New(10)
	require.NoError(t, q.Push(item("a")))
	require.NoError(t, q.Push(item("b")))
	require.NoError(t, q.Push(item("c")))

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pull(t.Context())
		require.NoError(t, err)
		assert.Equal(t, want, got.CommandID)
	}
	assert.Zero(t, q.Len())
}

func TestCapacityRejection(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Push(item("a")))
	require.NoError(t, q.Push(item("b")))

	err := q.Push(item("c"))
	assert.ErrorIs(t, err, ErrQueueFull)

	// Draining one frees a slot.
	_, err = q.Pull(t.Context())
	require.NoError(t, err)
	assert.NoError(t, q.Push(item("c")))
}

func TestPullBlocksUntilPush(t *testing.T) {
	q := New(10)

	got := make(chan *Item, 1)
	go func() {
		it, err := q.Pull(context.Background())
		if err == nil {
			got <- it
		}
	}()

	select {
	case <-got:
		t.Fatal("Pull returned before anything was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Push(item("a")))
	select {
	case it := <-got:
		assert.Equal(t, "a", it.CommandID)
	case <-time.After(time.Second):
		t.Fatal("Pull never woke up")
	}
}

func TestPullHonorsContext(t *testing.T) {
	q := New(10)
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pull(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoveQueuedCommand(t *testing.T) {
	q := New(10)
	require.NoError(t, q.Push(item("a")))
	require.NoError(t, q.Push(item("b")))
	require.NoError(t, q.Push(item("c")))

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"), "second remove finds nothing")
	assert.False(t, q.Remove("never-pushed"))

	got, err := q.Pull(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "a", got.CommandID)
	got, err = q.Pull(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "c", got.CommandID)
}

func TestCloseWakesPullers(t *testing.T) {
	q := New(10)

	errs := make(chan error, 1)
	go func() {
		_, err := q.Pull(context.Background())
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Pull not woken by Close")
	}

	assert.Error(t, q.Push(item("late")))
	q.Close() // idempotent
}

func TestConcurrentPushPull(t *testing.T) {
	q := New(DefaultCapacity)
	const n = 200

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := range n / 4 {
				_ = q.Push(item(fmt.Sprintf("w%d-%d", worker, j)))
			}
		}(i)
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	var rg sync.WaitGroup
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	for range 4 {
		rg.Add(1)
		go func() {
			defer rg.Done()
			for {
				it, err := q.Pull(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[it.CommandID] = true
				done := len(seen) == n
				mu.Unlock()
				if done {
					cancel()
					return
				}
			}
		}()
	}

	wg.Wait()
	rg.Wait()
	assert.Len(t, seen, n)
}
