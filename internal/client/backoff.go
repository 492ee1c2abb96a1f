package client

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff produces reconnect delays that grow exponentially and carry jitter
// so a fleet of clients does not reconnect in lockstep after an outage.
type Backoff struct {
	// Initial is the base delay for the first attempt.
	Initial time.Duration
	// Max caps the exponential growth.
	Max time.Duration

	mu      sync.Mutex
	attempt int
	rng     *rand.Rand
}

// NewBackoff constructs a backoff with the given bounds.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = 30 * time.Second
	}
	return &Backoff{
		Initial: initial,
		Max:     max,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the upcoming attempt. The delay doubles per
// attempt up to Max, then the second half is randomised (equal jitter).
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.Initial
	for i := 0; i < b.attempt && delay < b.Max; i++ {
		delay *= 2
	}
	if delay > b.Max {
		delay = b.Max
	}
	b.attempt++

	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + time.Duration(b.rng.Int63n(int64(half)+1))
}

// Reset restores the initial delay after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempts reports how many delays have been handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
