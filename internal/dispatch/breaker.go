// ABOUTME: Per-tenant circuit breaker gating dispatch against a failing edge.
// ABOUTME: Opens after consecutive exhaustions, half-opens after the reset window.

package dispatch

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker counts consecutive exhausted dispatches. While open, calls fail
// fast with the same failure-shaped result the exhaustion path produces;
// after the reset window a single probe is let through.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	reset     time.Duration
	openedAt  time.Time
}

func newBreaker(threshold int, reset time.Duration) *breaker {
	return &breaker{threshold: threshold, reset: reset}
}

// Allow reports whether a dispatch may proceed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) >= b.reset {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// One probe at a time; further calls wait for its verdict.
		return false
	}
	return true
}

// Success records a completed dispatch and closes the breaker.
func (b *breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

// Failure records an exhausted dispatch, opening the breaker at the
// threshold or immediately failing a half-open probe.
func (b *breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

// breakerSet holds one breaker per tenant.
type breakerSet struct {
	mu        sync.Mutex
	m         map[string]*breaker
	threshold int
	reset     time.Duration
}

func newBreakerSet(threshold int, reset time.Duration) *breakerSet {
	return &breakerSet{m: make(map[string]*breaker), threshold: threshold, reset: reset}
}

func (s *breakerSet) forTenant(tenantID string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.m[tenantID]
	if !ok {
		b = newBreaker(s.threshold, s.reset)
		s.m[tenantID] = b
	}
	return b
}
