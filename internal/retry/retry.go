// Package retry runs one logical operation with bounded attempts and
// jittered quadratic backoff between them.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	apierrors "github.com/diogo/chatrelay/internal/errors"
)

// Backoff constants
const (
	DefaultBase = 350 * time.Millisecond

	jitterMin  = 0.7
	jitterSpan = 0.6
)

// Op is a single idempotent attempt. attempt starts at 1.
type Op func(ctx context.Context, attempt int) error

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor performs an operation with retries
type Executor struct {
	base  time.Duration
	sleep SleepFunc
	rand  func() float64
	// observe is called with every computed wait, before sleeping
	observe func(attempt int, wait time.Duration, err error)
}

// Option configures an Executor
type Option func(*Executor)

// WithBase sets the backoff base
func WithBase(base time.Duration) Option {
	return func(e *Executor) {
		e.base = base
	}
}

// WithSleep replaces the sleep implementation
func WithSleep(sleep SleepFunc) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithRand replaces the uniform [0,1) random source used for jitter
func WithRand(r func() float64) Option {
	return func(e *Executor) {
		e.rand = r
	}
}

// WithObserver registers a callback invoked before each backoff wait
func WithObserver(fn func(attempt int, wait time.Duration, err error)) Option {
	return func(e *Executor) {
		e.observe = fn
	}
}

// New creates an Executor
func New(opts ...Option) *Executor {
	e := &Executor{
		base:  DefaultBase,
		sleep: Sleep,
		rand:  rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.base < 0 {
		e.base = 0
	}
	return e
}

// Delay returns the jittered wait that follows a failed attempt:
// base × attempt² scaled by a uniform factor in [0.7, 1.3].
func (e *Executor) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(e.base) * float64(attempt*attempt)
	return time.Duration(raw * (jitterMin + e.rand()*jitterSpan))
}

// Do runs op up to attempts times. After the final attempt the last error is
// returned unchanged. Cancellation short-circuits with a *CancelledError and
// is checked before every attempt.
func (e *Executor) Do(ctx context.Context, attempts int, op Op) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return apierrors.NewCancelledError(err)
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if apierrors.IsCancelled(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := e.Delay(attempt)
		if e.observe != nil {
			e.observe(attempt, wait, lastErr)
		}
		if err := e.sleep(ctx, wait); err != nil {
			return apierrors.NewCancelledError(err)
		}
	}

	return lastErr
}

// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
