package resilience

import (
	"context"
	"sync"
)

// Result holds the outcome of one fan-out item, at the same index as its
// input.
type Result[T any] struct {
	Value T
	Err   error
}

// FanOutConfig controls the bounded fan-out executor.
type FanOutConfig struct {
	// Concurrency caps simultaneous invocations. Values below 1 mean 1.
	Concurrency int

	// ContinueOnError keeps going after individual failures, recording
	// them per-item. When false, the first failure cancels remaining work
	// and is returned after in-flight tasks drain.
	ContinueOnError bool

	// OnProgress fires after every completion, success or failure,
	// exactly once per completed item, with a monotonically increasing
	// completed count.
	OnProgress func(completed, total int)
}

// FanOut invokes fn for every item with at most cfg.Concurrency in flight,
// returning results in input order regardless of completion order.
//
// With ContinueOnError false the first error is returned and the results
// slice is nil; in-flight tasks are still awaited so nothing leaks, but
// their outcomes are discarded.
func FanOut[I, T any](ctx context.Context, items []I, cfg FanOutConfig, fn func(ctx context.Context, item I) (T, error)) ([]Result[T], error) {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		firstErr  error
	)
	results := make([]Result[T], len(items))
	sem := make(chan struct{}, cfg.Concurrency)

	for i, item := range items {
		// Wait for a slot; a cancelled fan-out stops dispatching.
		select {
		case sem <- struct{}{}:
		case <-fanCtx.Done():
		}
		if fanCtx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(i int, item I) {
			defer wg.Done()
			defer func() { <-sem }()

			value, err := fn(fanCtx, item)

			mu.Lock()
			results[i] = Result[T]{Value: value, Err: err}
			completed++
			if err != nil && firstErr == nil {
				firstErr = err
				if !cfg.ContinueOnError {
					cancel()
				}
			}
			// Invoked under the lock so counts arrive in order.
			if cfg.OnProgress != nil {
				cfg.OnProgress(completed, len(items))
			}
			mu.Unlock()
		}(i, item)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !cfg.ContinueOnError && firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}
