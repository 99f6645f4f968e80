package concurrent

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Each runs fn for every item in its own goroutine, at most limit at a time
// (no limit when limit <= 0). Every item is dispatched even after a call
// fails, and all calls share ctx. Each waits for all of them and returns
// their errors joined.
func Each[T any](ctx context.Context, items []T, limit int, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	var errGroup errgroup.Group
	if limit > 0 {
		errGroup.SetLimit(limit)
	}

	errs := make([]error, len(items))
	for i, item := range items {
		errGroup.Go(func() error {
			errs[i] = fn(ctx, item)
			return nil
		})
	}
	_ = errGroup.Wait()

	return errors.Join(errs...)
}

// Batch splits items into chunks of batchSize and processes each chunk in a
// separate goroutine.
func Batch[T any](items []T, batchSize int, action func([]T)) {
	if batchSize <= 0 {
		batchSize = len(items)
	}
	var wg sync.WaitGroup
	for idx := 0; idx < len(items); idx += batchSize {
		end := min(idx+batchSize, len(items))
		wg.Add(1)
		go func(chunk []T) {
			defer wg.Done()
			action(chunk)
		}(items[idx:end])
	}
	wg.Wait()
}
