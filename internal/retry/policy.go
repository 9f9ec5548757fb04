// Package retry holds the retry policy shared by every tool invocation and
// the transient/permanent error classification used by model clients.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy configures bounded retries with exponential backoff.
type Policy struct {
	MaxAttempts  int           // total attempts including the first (default: 3)
	BaseDelay    time.Duration // delay before the second attempt (default: 500ms)
	MaxDelay     time.Duration // cap for any single delay (default: 4s)
	JitterFactor float64       // ±fraction of randomization (default: 0.2)
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     4 * time.Second,
		JitterFactor: 0.2,
	}
}

// normalized fills zero fields with defaults.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	return p
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
//
//	attempt 1 -> base, attempt 2 -> 2*base, attempt 3 -> 4*base, capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFactor > 0 && delay > 0 {
		jitter := float64(delay) * p.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = p.BaseDelay
		}
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}

// Run calls fn until retryable reports false for its result, the attempt
// limit is reached, or ctx is done. It returns the last result and the
// number of attempts made. fn receives the 1-based attempt number.
func Run[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) T, retryable func(T) bool) (T, int) {
	p = p.normalized()

	var last T
	attempts := 0
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		attempts = attempt
		last = fn(ctx, attempt)
		if !retryable(last) {
			return last, attempts
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			break
		}
	}
	return last, attempts
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
