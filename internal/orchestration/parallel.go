package orchestration

import (
	"context"
	"sync"
)

// runBounded runs fn once per item with at most concurrency goroutines in
// flight, grounded on the teacher's parallel_executor.go semaphore
// discipline (bounded channel acquire, context-respecting wait) but
// generalized from single-task execution to a whole batch with ordered
// results: results[i] always corresponds to items[i], regardless of
// completion order, so callers can merge deterministically the way the
// teacher's orchestrator does ("parallel executor I/O, sequential
// deterministic merge").
func runBounded[T any, R any](ctx context.Context, concurrency int, items []T, fn func(context.Context, int, T) (R, error)) ([]R, []error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]R, len(items))
	errs := make([]error, len(items))

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			errs[i] = ctx.Err()
			wg.Done()
			continue
		}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r, err := fn(ctx, i, item)
			results[i] = r
			errs[i] = err
		}()
	}
	wg.Wait()
	return results, errs
}
