package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRetriesExhausted is returned by Policy.Do when every attempt asked for a
// retry.
var ErrRetriesExhausted = errors.New("retries exhausted")

var errRetryRequested = errors.New("ratelimit: retry requested")

type outcomeKind int

const (
	kindSuccess outcomeKind = iota
	kindRetry
	kindFail
)

// Outcome is what a single attempt tells the retry loop to do next.
type Outcome struct {
	kind outcomeKind
	wait time.Duration
}

var (
	// Success ends the loop with a nil error.
	Success = Outcome{kind: kindSuccess}
	// Retry waits according to the policy and tries again.
	Retry = Outcome{kind: kindRetry}
	// Fail ends the loop with the attempt's error, without retrying.
	Fail = Outcome{kind: kindFail}
)

// RetryAfter retries after a server-provided wait. A non-positive d falls back
// to the policy wait.
func RetryAfter(d time.Duration) Outcome {
	return Outcome{kind: kindRetry, wait: d}
}

// Policy is a bounded exponential retry schedule.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Factor      float64
	Max         time.Duration
}

// Wait returns the delay after the failed attempt n (0-based).
func (p Policy) Wait(n int) time.Duration {
	b := newExponential(p.Base, p.Factor, p.Max, nil)
	var d time.Duration
	for i := 0; i <= n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// schedule returns the backoff driving Do: the exponential policy bounded to
// MaxAttempts-1 retries, honouring server waits, and stopped by ctx.
func (p Policy) schedule(ctx context.Context, clock Clock, attempts int) (backoff.BackOff, *hintedBackOff) {
	var inner backoff.BackOff = &backoff.StopBackOff{}
	if attempts > 1 {
		inner = backoff.WithMaxRetries(newExponential(p.Base, p.Factor, p.Max, clock), uint64(attempts-1))
	}
	hinted := &hintedBackOff{BackOff: inner}
	return backoff.WithContext(hinted, ctx), hinted
}

// Do runs fn until it reports Success or Fail, or MaxAttempts is reached.
// fn receives the 0-based attempt number.
func (p Policy) Do(ctx context.Context, clock Clock, fn func(attempt int) (Outcome, error)) error {
	if clock == nil {
		clock = SystemClock{}
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b, hinted := p.schedule(ctx, clock, attempts)

	attempt := 0
	failed := false
	var lastErr error
	op := func() error {
		out, err := fn(attempt)
		attempt++
		switch out.kind {
		case kindSuccess:
			return nil
		case kindFail:
			failed = true
			if err == nil {
				err = errors.New("ratelimit: attempt failed")
			}
			return backoff.Permanent(err)
		}
		lastErr = err
		hinted.hint = out.wait
		if err == nil {
			return errRetryRequested
		}
		return err
	}

	err := backoff.RetryNotifyWithTimer(op, b, nil, &clockTimer{ctx: ctx, clock: clock})
	switch {
	case err == nil:
		return nil
	case failed:
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("ratelimit: retry sleep: %w", ctx.Err())
	case lastErr == nil:
		return ErrRetriesExhausted
	default:
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
	}
}

// hintedBackOff replaces the next scheduled wait with a server-provided one.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next != backoff.Stop && h.hint > 0 {
		next = h.hint
	}
	h.hint = 0
	return next
}

// clockTimer fires through Clock.Sleep so retries can run on a fake clock.
type clockTimer struct {
	ctx   context.Context
	clock Clock
	c     chan time.Time
}

func (t *clockTimer) Start(d time.Duration) {
	c := make(chan time.Time, 1)
	t.c = c
	go func() {
		if err := t.clock.Sleep(t.ctx, d); err == nil {
			c <- t.clock.Now()
		}
	}()
}

func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time { return t.c }
