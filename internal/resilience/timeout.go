package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/faults"
)

// WithTimeout races op against a timer. If the timer fires first the call
// fails with a timeout fault carrying label and the budget.
//
// Cancellation is advisory: op receives a context with a deadline and is
// expected to observe it, but if it does not, the losing goroutine keeps
// running until op returns; only its result is discarded. Callers must
// ensure op is not left doing unbounded work, or accept that it may
// continue in the background.
func WithTimeout[T any](ctx context.Context, budget time.Duration, label string, op func(ctx context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	// Buffered so the loser can always deliver and exit; nothing leaks.
	done := make(chan outcome, 1)
	go func() {
		v, err := op(opCtx)
		done <- outcome{value: v, err: err}
	}()

	var zero T
	select {
	case out := <-done:
		// An op that observes the deadline itself reports the same
		// timeout fault as one that ignores it.
		if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, faults.Timeout(label, budget)
		}
		return out.value, out.err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			// The caller's context ended first, not the budget.
			return zero, ctx.Err()
		}
		return zero, faults.Timeout(label, budget)
	}
}
