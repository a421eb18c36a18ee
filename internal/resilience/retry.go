// Package resilience provides the control-flow primitives that keep calls
// to flaky dependencies bounded: retry with backoff, timeouts, circuit
// breaking, and bounded-concurrency fan-out.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/faults"
)

// RetryConfig controls the retry executor. The zero value performs a single
// attempt with no waits.
type RetryConfig struct {
	// MaxRetries is the number of re-attempts after the first try, so an
	// operation runs at most MaxRetries+1 times.
	MaxRetries int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// Backoff doubles the delay on each subsequent retry when true;
	// otherwise every wait is BaseDelay.
	Backoff bool

	// MaxDelay caps the backoff. Zero means uncapped.
	MaxDelay time.Duration

	// Jitter multiplies each delay by a uniform random factor in [0.5, 1.0).
	Jitter bool

	// ShouldRetry is an additional caller veto, consulted after the
	// taxonomy check. attempt is zero-based. Nil means always retry.
	ShouldRetry func(err error, attempt int) bool

	// OnRetry is invoked before each wait (not before the final failure).
	OnRetry func(err error, attempt int, delay time.Duration)
}

// Retry executes op up to cfg.MaxRetries+1 times, waiting between attempts.
//
// Failures whose taxonomy kind is terminal (validation, not-found,
// rate-limit, circuit-open) propagate on first occurrence regardless of
// remaining attempts. On exhaustion the last error is returned as-is, never
// a synthetic wrapper that hides the cause. Waits honor ctx cancellation.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if !faults.Retryable(err) {
			break
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err, attempt) {
			break
		}

		delay := cfg.delayFor(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, attempt, delay)
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
	return result, err
}

// delayFor computes the wait before retry attempt (zero-based: attempt 0 is
// the wait after the first failure).
func (cfg RetryConfig) delayFor(attempt int) time.Duration {
	delay := cfg.BaseDelay
	if cfg.Backoff {
		delay = cfg.BaseDelay << uint(attempt)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	if cfg.Jitter && delay > 0 {
		// Uniform factor in [0.5, 1.0) keeps retries from synchronizing
		// across callers without crypto-strength randomness.
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()/2))
	}
	return delay
}
