package pool

import (
	"context"
	"fmt"
	"sync"
)

// Future holds the result of a task submitted with Call.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// complete stores the result once.
// Params: value task result; err task error.
// Returns: none.
func (f *Future[T]) complete(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx ends.
// Params: ctx bounds the wait.
// Returns: task value and error, or ctx error.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("wait task: %w", ctx.Err())
	}
}

// Call submits a task whose result is delivered through a Future.
// Params: p target pool; fn task body.
// Returns: future or ErrPoolClosed.
func Call[T any](p *Pool, fn func(context.Context) (T, error)) (*Future[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("submit to pool %q: nil task", p.name)
	}

	f := &Future[T]{done: make(chan struct{})}
	fail := func(err error) {
		var zero T
		f.complete(zero, err)
	}
	run := func(ctx context.Context) {
		value, err := fn(ctx)
		f.complete(value, err)
	}

	if err := p.enqueue(job{run: run, fail: fail}); err != nil {
		return nil, err
	}
	return f, nil
}
