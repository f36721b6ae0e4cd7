package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// IntervalLimiter enforces a minimum gap between consecutive requests. Callers
// are released one at a time, each at least interval after the previous one.
type IntervalLimiter struct {
	interval time.Duration
	clock    Clock

	mu   sync.Mutex
	last time.Time
}

// NewIntervalLimiter creates a limiter. A nil clock means SystemClock.
func NewIntervalLimiter(interval time.Duration, clock Clock) *IntervalLimiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &IntervalLimiter{interval: interval, clock: clock}
}

// Wait blocks until the interval since the previous release has elapsed.
func (l *IntervalLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.last.IsZero() {
		if wait := l.interval - l.clock.Now().Sub(l.last); wait > 0 {
			if err := l.clock.Sleep(ctx, wait); err != nil {
				return fmt.Errorf("ratelimit: wait: %w", err)
			}
		}
	}
	l.last = l.clock.Now()
	return nil
}
