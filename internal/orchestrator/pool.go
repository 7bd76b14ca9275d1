package orchestrator

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// BlockingPool bounds how many blocking persistence calls run at once so the
// goroutines driving work units never pile up behind slow I/O
type BlockingPool struct {
	sem *semaphore.Weighted
}

// NewBlockingPool creates a pool; a non-positive size defaults to the number of CPUs
func NewBlockingPool(size int) *BlockingPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &BlockingPool{sem: semaphore.NewWeighted(int64(size))}
}

// Do runs fn once a slot is free. A panic inside fn is returned as an error.
func (p *BlockingPool) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire blocking pool slot: %w", err)
	}
	defer p.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in blocking call: %v", r)
		}
	}()

	return fn(ctx)
}

// Call runs fn on the pool and returns its value
func Call[T any](ctx context.Context, p *BlockingPool, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}
