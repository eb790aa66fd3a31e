package sched

import (
	"context"
	"sync"
)

// Handle is returned by Spawn. It can be awaited for the task's result or
// used to request cancellation, from any goroutine.
type Handle struct {
	shard ShardID
	id    TaskID
	task  *Task
	exec  *Executor
	done  chan struct{}

	mu       sync.Mutex
	finished bool
	err      error
	joiners  []Waker
}

// ID returns the task id.
func (h *Handle) ID() TaskID { return h.id }

// Shard returns the shard that owns the task.
func (h *Handle) Shard() ShardID { return h.shard }

// Cancel requests cooperative cancellation. The task is never selected
// again once the shard observes the request, but a step that is already
// executing runs to its next suspension point.
func (h *Handle) Cancel() {
	h.task.cancelReq.Store(true)
	h.exec.wake(h.id)
}

// Done is closed once the task has terminated.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task's result after Done is closed: nil on success, the
// error the task completed with, or a *TaskError for faults and cancellation.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks the calling goroutine until the task terminates. It must not
// be called from a task; tasks use PollJoin.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollJoin reports whether the task has terminated, parking t until it does.
func (h *Handle) PollJoin(t *Task) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return true, h.err
	}
	h.joiners = append(h.joiners, t.Waker())
	return false, nil
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.finished = true
	h.err = err
	joiners := h.joiners
	h.joiners = nil
	h.mu.Unlock()

	close(h.done)
	for _, w := range joiners {
		w.Wake()
	}
}
