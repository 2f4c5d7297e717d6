package cryptdir

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Default fan-out limits. They cap the number of simultaneously open file
// handles when many small files are processed at once.
const (
	DefaultItemConcurrency     = 4
	DefaultFileConcurrency     = 30
	DefaultValidateConcurrency = 60
	DefaultTreeConcurrency     = 10
)

// Limiter bounds the number of concurrently running tasks. Tasks beyond the
// limit wait for a slot; they are never run unbounded.
type Limiter struct {
	sem  *semaphore.Weighted
	size int
}

// NewLimiter creates a limiter admitting n tasks at once. n <= 0 selects
// runtime.NumCPU().
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), size: n}
}

// Size returns the maximum number of concurrent tasks
func (l *Limiter) Size() int {
	return l.size
}

// Acquire blocks until a slot is free or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// Release frees a slot taken by Acquire
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// Go blocks until a slot is available and then runs fn on g. The caller is
// the one that waits, so excess work queues in the producer instead of
// piling up goroutines. Once ctx is cancelled Go returns ctx.Err() without
// starting fn; tasks already running finish.
func (l *Limiter) Go(ctx context.Context, g *errgroup.Group, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		defer l.Release()
		return safeCall(fn)
	})
	return nil
}

// safeCall converts a panic in fn into an error
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in worker: %v", r)
		}
	}()
	return fn()
}
