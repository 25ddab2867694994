// Package backoff holds the retry policy used for channel joins: exponential
// growth from a base delay, capped at a maximum, plus random jitter.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Policy describes the delay curve. The zero JitterMax disables jitter.
type Policy struct {
	Base      time.Duration
	Max       time.Duration
	JitterMax time.Duration
}

// Default is 1s doubling up to 30s, with up to 2s of jitter.
func Default() Policy {
	return Policy{Base: time.Second, Max: 30 * time.Second, JitterMax: 2 * time.Second}
}

// Ceiling returns min(Base * 2^attempt, Max), the jitter-free delay.
func (p Policy) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	return min(d, p.Max)
}

// Delay returns Ceiling(attempt) plus jitter, with jitter clamped to
// [0, JitterMax).
func (p Policy) Delay(attempt int, jitter time.Duration) time.Duration {
	if jitter < 0 || p.JitterMax <= 0 {
		jitter = 0
	} else if jitter >= p.JitterMax {
		jitter = p.JitterMax - 1
	}
	return p.Ceiling(attempt) + jitter
}

// Jitter draws a random jitter for the policy.
func (p Policy) Jitter() time.Duration {
	if p.JitterMax <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(p.JitterMax)))
}

// Backoff is a Policy plus the attempt counter. Safe for concurrent use.
type Backoff struct {
	policy Policy
	jitter func(Policy) time.Duration

	mu      sync.Mutex
	attempt int
}

// New returns a Backoff starting at attempt 0.
func New(p Policy) *Backoff {
	return &Backoff{policy: p, jitter: Policy.Jitter}
}

// WithJitter replaces the jitter source; tests use it for fixed delays.
func (b *Backoff) WithJitter(fn func(Policy) time.Duration) *Backoff {
	b.jitter = fn
	return b
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	n := b.attempt
	b.attempt++
	b.mu.Unlock()
	return b.policy.Delay(n, b.jitter(b.policy))
}

// Reset puts the counter back to zero after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt returns the number of consecutive failures recorded.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Policy returns the configured policy.
func (b *Backoff) Policy() Policy { return b.policy }
