package sched

import (
	"context"
	"sync"
)

// Op is a blocking call running off the shard thread. It stands in for the
// I/O reactor: when the call returns, the owning task gets exactly one wake.
type Op[T any] struct {
	mu   sync.Mutex
	done bool
	val  T
	err  error
}

// Blocking starts fn on a helper goroutine. At most Config.BlockingThreads
// calls per shard run at once; the rest wait for a slot. fn's context is
// cancelled when the owning task terminates.
func Blocking[T any](t *Task, fn func(ctx context.Context) (T, error)) *Op[T] {
	op := &Op[T]{}
	ctx := t.Context()
	w := t.Waker()
	sem := t.exec.blocking
	go func() {
		var (
			val T
			err error
		)
		if err = sem.Acquire(ctx, 1); err == nil {
			val, err = fn(ctx)
			sem.Release(1)
		}

		op.mu.Lock()
		op.val, op.err, op.done = val, err, true
		op.mu.Unlock()
		w.Wake()
	}()
	return op
}

// Poll reports whether the call finished and, if so, its result.
func (op *Op[T]) Poll(t *Task) (T, bool, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if !op.done {
		var zero T
		return zero, false, nil
	}
	return op.val, true, op.err
}
