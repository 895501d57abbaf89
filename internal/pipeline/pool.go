package pipeline

import (
	"context"
	"errors"
	"sync"
)

// isCancellation distinguishes a stopping run from a per-item failure.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// forEachItem fans items out to at most workers goroutines and blocks until
// every dispatched item has finished. Cancellation stops dispatching new
// items but lets in-flight ones run to completion; the first ctx error is
// returned so the stage can report a partial run.
func forEachItem(ctx context.Context, workers int, items []WorkItem, fn func(WorkItem)) error {
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	jobs := make(chan WorkItem)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				fn(item)
			}
		}()
	}

	var err error
dispatch:
	for _, item := range items {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break dispatch
		case jobs <- item:
		}
	}
	close(jobs)
	wg.Wait()
	return err
}
