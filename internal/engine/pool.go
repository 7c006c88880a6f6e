package engine

import (
	"context"
	"sync"
)

// runPool calls fn for every item using the given number of workers.
//
// Cancellation is observed before each item starts; an item that has started
// always runs to completion. The first error stops dispatch of further items
// and is returned once all started items have finished.
func runPool[T any](ctx context.Context, workers int, items []T, fn func(context.Context, T) error) error {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		firstErr error
	)

	jobs := make(chan T)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				if poolCtx.Err() != nil {
					continue
				}
				if err := fn(poolCtx, item); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					cancel()
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, item := range items {
			select {
			case jobs <- item:
			case <-poolCtx.Done():
				return
			}
		}
	}()

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return firstErr
}
