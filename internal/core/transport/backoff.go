package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffMin    = time.Second
	DefaultBackoffMax    = time.Minute
	DefaultBackoffFactor = 2.0
)

// Backoff is a capped exponential delay. Reset returns it to Min; callers
// reset on every successfully received message.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	// Jitter spreads each delay by up to this fraction, in [0, 1].
	Jitter float64

	attempt int
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	lo, hi, factor := b.Min, b.Max, b.Factor
	if lo <= 0 {
		lo = DefaultBackoffMin
	}
	if hi < lo {
		hi = lo
	}
	if factor < 1 {
		factor = DefaultBackoffFactor
	}

	d := float64(lo) * math.Pow(factor, float64(b.attempt))
	if d > float64(hi) || math.IsInf(d, 0) {
		d = float64(hi)
	} else {
		b.attempt++
	}
	if b.Jitter > 0 {
		d -= d * b.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Attempt returns how many delays were handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
