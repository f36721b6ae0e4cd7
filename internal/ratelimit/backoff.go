package ratelimit

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is a doubling reconnect delay capped at Max. The zero value is not
// usable; set Initial and Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	exp *backoff.ExponentialBackOff
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	if b.exp == nil {
		b.exp = newExponential(b.Initial, 2, b.Max, nil)
	}
	d := b.exp.NextBackOff()
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Reset restarts the schedule at Initial.
func (b *Backoff) Reset() {
	if b.exp != nil {
		b.exp.Reset()
	}
}

// newExponential builds a jitter-free schedule that never gives up on
// elapsed time. A non-positive max leaves the schedule uncapped.
func newExponential(initial time.Duration, factor float64, max time.Duration, clock backoff.Clock) *backoff.ExponentialBackOff {
	if factor <= 0 {
		factor = 2
	}
	if max <= 0 {
		max = time.Duration(math.MaxInt64)
	}
	if clock == nil {
		clock = backoff.SystemClock
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          factor,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()
	return b
}
