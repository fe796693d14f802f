package intercom

import (
	"sync"
	"time"
)

// Backoff yields doubling reconnect delays clamped to a ceiling.
type Backoff struct {
	initial time.Duration
	max     time.Duration

	mu      sync.Mutex
	current time.Duration
}

// NewBackoff returns a Backoff starting at initial.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultReconnectInitialDelay
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Next returns the delay before the next attempt and doubles the following
// one. After N calls without Reset the returned delay is
// min(initial*2^(N-1), max).
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := b.current
	b.current = nextBackoff(b.current, b.max)
	return delay
}

// Peek returns the delay Next would return without advancing.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Reset restores the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = b.initial
	b.mu.Unlock()
}

func nextBackoff(delay, max time.Duration) time.Duration {
	if delay >= max/2 {
		return max
	}
	return delay * 2
}
