// Package ratelimit gates inbound gateway events with a per-connection,
// per-event-type sliding window.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of a limiter check.
type Decision struct {
	Allowed bool
	// RetryAfter hints how long the caller should wait before the window
	// frees a slot. Zero when the event was allowed.
	RetryAfter time.Duration
}

type windowKey struct {
	connID string
	event  string
}

// Limiter enforces independent sliding-window budgets per connection and
// event type. Windows are created lazily and reaped once empty.
type Limiter struct {
	window time.Duration
	limits map[string]int
	now    func() time.Time

	mu      sync.Mutex
	windows map[windowKey][]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option customises the limiter construction.
type Option func(*Limiter)

// WithClock overrides the limiter time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// NewLimiter constructs a limiter for the given window and per-event budgets.
// Event types absent from limits are not limited.
func NewLimiter(window time.Duration, limits map[string]int, opts ...Option) *Limiter {
	cloned := make(map[string]int, len(limits))
	for event, limit := range limits {
		cloned[event] = limit
	}
	limiter := &Limiter{
		window:  window,
		limits:  cloned,
		now:     time.Now,
		windows: make(map[windowKey][]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(limiter)
		}
	}
	return limiter
}

// Check prunes expired timestamps for the (connection, event) pair, then
// either records the event or denies it with a retry hint.
func (l *Limiter) Check(connID, event string) Decision {
	if l == nil || l.window <= 0 {
		return Decision{Allowed: true}
	}
	limit, limited := l.limits[event]
	if !limited || limit <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := windowKey{connID: connID, event: event}
	kept := l.pruneLocked(key, now)
	if len(kept) >= limit {
		// The oldest surviving timestamp decides when a slot frees up.
		retry := kept[0].Add(l.window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{RetryAfter: retry}
	}
	l.windows[key] = append(kept, now)
	return Decision{Allowed: true}
}

func (l *Limiter) pruneLocked(key windowKey, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	events := l.windows[key]
	kept := events[:0]
	for _, ts := range events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.windows, key)
		return nil
	}
	l.windows[key] = kept
	return kept
}

// Forget drops all state for a connection. Called on disconnect so short-lived
// connections do not linger until the next sweep.
func (l *Limiter) Forget(connID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.windows {
		if key.connID == connID {
			delete(l.windows, key)
		}
	}
}

// Sweep removes every window whose entries have all expired, bounding memory
// for connections that went quiet without disconnecting.
func (l *Limiter) Sweep() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key := range l.windows {
		l.pruneLocked(key, now)
	}
}

// StartSweeper runs Sweep on the interval until Stop is called.
func (l *Limiter) StartSweeper(interval time.Duration) {
	if l == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(l.doneCh)
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper, if one was started.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}

// TrackedWindows reports how many windows are currently retained, exposed for
// tests and the stats endpoint.
func (l *Limiter) TrackedWindows() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
