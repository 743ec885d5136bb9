// Package ratelimit provides per-key sliding-window admission control.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxEvents = 15
	DefaultWindow    = 60 * time.Second
)

// Limiter admits at most maxEvents per key within a trailing window.
// State is in-memory only; restart resets every window. This is coarse
// abuse protection, not an accounting-grade limiter.
type Limiter struct {
	maxEvents int
	window    time.Duration
	now       func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

func New(maxEvents int, window time.Duration) *Limiter {
	return NewWithClock(maxEvents, window, time.Now)
}

// NewWithClock injects the clock so tests can drive time directly.
func NewWithClock(maxEvents int, window time.Duration, now func() time.Time) *Limiter {
	return &Limiter{
		maxEvents: maxEvents,
		window:    window,
		now:       now,
		events:    make(map[string][]time.Time),
	}
}

// Allow reports whether an event for key is admitted, recording it when
// it is. Timestamps older than the window are evicted lazily; a rejected
// call records nothing.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.events[key]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) || ts.Equal(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.maxEvents {
		l.events[key] = kept
		return false
	}

	l.events[key] = append(kept, now)
	return true
}

// KeyCount returns the number of tracked keys, for tests and metrics.
func (l *Limiter) KeyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
