package playback

import (
	"math/rand"
	"time"
)

// Backoff is the reconnection policy: exponentially growing delays capped at
// Max, with a bounded number of attempts.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int

	// Jitter spreads each delay by up to +/- this fraction of it.
	Jitter float64

	attempts int
	rnd      func() float64
}

// NewBackoff returns a policy from the engine config.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{
		Base:       cfg.BackoffBase,
		Max:        cfg.BackoffMax,
		MaxRetries: cfg.MaxRetries,
		Jitter:     cfg.BackoffJitter,
		rnd:        rand.Float64,
	}
}

// Next returns the delay before the next attempt. ok is false once the
// retry budget is spent.
func (b *Backoff) Next() (d time.Duration, ok bool) {
	if b.attempts >= b.MaxRetries {
		return 0, false
	}

	d = b.Base << uint(b.attempts)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempts++

	if b.Jitter > 0 {
		r := rand.Float64
		if b.rnd != nil {
			r = b.rnd
		}
		d += time.Duration((r()*2 - 1) * b.Jitter * float64(d))
	}
	return d, true
}

// Reset restores the full retry budget.
func (b *Backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}
