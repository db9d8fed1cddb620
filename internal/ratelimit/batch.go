package ratelimit

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchOptions shapes Batch execution.
type BatchOptions struct {
	// Size is the number of requests run concurrently per chunk.
	Size int
	// Delay is slept between chunks to spread load.
	Delay time.Duration
}

// Batch runs reqs through the limiter in fixed-size chunks. Requests within
// a chunk run concurrently; chunks are separated by opts.Delay. The returned
// slice holds the per-request outcome at the matching index.
func (l *Limiter) Batch(ctx context.Context, reqs []func(ctx context.Context) error, opts BatchOptions) []error {
	size := opts.Size
	if size <= 0 {
		size = 10
	}
	results := make([]error, len(reqs))
	for start := 0; start < len(reqs); start += size {
		end := start + size
		if end > len(reqs) {
			end = len(reqs)
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				results[i] = l.Do(gctx, Options{Priority: PriorityNormal}, reqs[i])
				return nil
			})
		}
		_ = g.Wait()
		if end < len(reqs) && opts.Delay > 0 {
			select {
			case <-ctx.Done():
				for i := end; i < len(reqs); i++ {
					results[i] = ctx.Err()
				}
				return results
			case <-time.After(opts.Delay):
			}
		}
	}
	return results
}
