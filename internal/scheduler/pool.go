package scheduler

import (
	"context"
	"sync"
)

// DefaultWorkers is the number of workers when no size is specified.
const DefaultWorkers = 4

// pool manages a fixed set of goroutines that consume from a job channel.
type pool[T any] struct {
	size int
	wg   sync.WaitGroup
}

func newPool[T any](size int) *pool[T] {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &pool[T]{size: size}
}

// start launches the workers. They exit when jobs is closed.
func (p *pool[T]) start(ctx context.Context, jobs <-chan T, handler func(context.Context, T)) {
	for range p.size {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range jobs {
				handler(ctx, job)
			}
		}()
	}
}

// wait blocks until all workers have exited.
func (p *pool[T]) wait() {
	p.wg.Wait()
}
