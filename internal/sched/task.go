package sched

import (
	"context"
	"sync/atomic"
	"time"
)

// TaskID uniquely identifies a task on its shard.
type TaskID uint64

// Class is a priority class: an index into Config.Weights.
type Class int

// State is the lifecycle state of a task.
//
//	Runnable  -> Suspended | Completed | Cancelled
//	Suspended -> Runnable | Cancelled
//
// Completed and Cancelled are terminal. A task that is executing right now
// is Runnable; the executor tracks it separately as the current task.
type State int

const (
	StateRunnable State = iota
	StateSuspended
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunnable:
		return "Runnable"
	case StateSuspended:
		return "Suspended"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateRunnable:
		return to == StateSuspended || to == StateCompleted || to == StateCancelled
	case StateSuspended:
		return to == StateRunnable || to == StateCancelled
	default:
		return false
	}
}

// Func is the body of a task. The executor calls it every time the task is
// selected; the body keeps its own progress between calls and reports how
// the step ended with Done, Yield or Pending.
type Func func(t *Task) Poll

type pollKind uint8

const (
	pollDone pollKind = iota
	pollYield
	pollPending
)

// Poll is the outcome of one step of a task.
type Poll struct {
	kind pollKind
	err  error
}

// Done completes the task with err (nil for success).
func Done(err error) Poll { return Poll{kind: pollDone, err: err} }

// Yield keeps the task runnable and puts it at the back of its class queue.
func Yield() Poll { return Poll{kind: pollYield} }

// Pending suspends the task. The step must have registered the task's
// Waker with whatever it is waiting on, otherwise it never runs again.
func Pending() Poll { return Poll{kind: pollPending} }

// Task represents one schedulable unit of cooperative work. It is owned by
// the shard that spawned it and never migrates.
type Task struct {
	id     TaskID
	class  Class
	state  State
	fn     Func
	exec   *Executor
	handle *Handle

	cancelReq   atomic.Bool
	cancelMsg   string
	notified    bool
	queued      bool
	deadline    time.Duration
	hasDeadline bool

	runStart    time.Duration // virtual time the current step started
	shouldYield bool

	cleanups []func()
	timers   map[TimerID]struct{}

	ctx       context.Context
	cancelCtx context.CancelFunc
}

func newTask(e *Executor, id TaskID, class Class, fn Func) *Task {
	// clamp class within the configured classes.
	if class < 0 {
		class = 0
	} else if int(class) >= len(e.cfg.Weights) {
		class = Class(len(e.cfg.Weights) - 1)
	}

	t := &Task{
		id:     id,
		class:  class,
		state:  StateRunnable,
		fn:     fn,
		exec:   e,
		timers: make(map[TimerID]struct{}),
	}
	t.handle = &Handle{
		shard: e.id,
		id:    id,
		task:  t,
		exec:  e,
		done:  make(chan struct{}),
	}
	return t
}

// ID returns the task id.
func (t *Task) ID() TaskID { return t.id }

// Class returns the priority class the task was spawned in.
func (t *Task) Class() Class { return t.class }

// State returns the current lifecycle state.
func (t *Task) State() State { return t.state }

// Executor returns the shard that owns the task.
func (t *Task) Executor() *Executor { return t.exec }

// Handle returns the task's own handle.
func (t *Task) Handle() *Handle { return t.handle }

// Now returns the owning shard's virtual time.
func (t *Task) Now() time.Duration { return t.exec.clock.Now() }

// Deadline returns the absolute virtual deadline, if one was set at spawn.
func (t *Task) Deadline() (time.Duration, bool) { return t.deadline, t.hasDeadline }

// Cancelled reports whether cancellation was requested. The task is torn
// down at its next suspension point regardless of whether it looks.
func (t *Task) Cancelled() bool { return t.cancelReq.Load() }

// ShouldYield reports whether the current step has run past the shard's
// quantum. It is advisory: the executor never interrupts a step.
func (t *Task) ShouldYield() bool {
	if t.shouldYield {
		return true
	}
	if t.exec.current != t {
		return false
	}
	if t.RunTime() >= t.exec.quantum {
		t.shouldYield = true
		t.exec.stats.preemptFlags.Add(1)
	}
	return t.shouldYield
}

// RunTime returns how long the task has run since its last suspension,
// which is zero unless the task is executing.
func (t *Task) RunTime() time.Duration {
	if t.exec.current != t {
		return 0
	}
	return t.exec.clock.Now() - t.runStart
}

// Waker returns a handle that makes this task runnable again. It may be
// used from any goroutine.
func (t *Task) Waker() Waker { return Waker{exec: t.exec, id: t.id} }

// Defer registers fn to run when the task terminates for any reason:
// completion, fault or cancellation. Deferred functions run last-in first-out.
func (t *Task) Defer(fn func()) {
	t.cleanups = append(t.cleanups, fn)
}

// Context returns a context that is cancelled when the task terminates.
// Work handed off the shard on the task's behalf should observe it.
func (t *Task) Context() context.Context {
	if t.ctx == nil {
		t.ctx, t.cancelCtx = context.WithCancel(context.Background())
		t.Defer(t.cancelCtx)
	}
	return t.ctx
}

// Spawn starts a new task on the same shard.
func (t *Task) Spawn(class Class, fn Func, opts ...SpawnOption) (*Handle, error) {
	return t.exec.Spawn(class, fn, opts...)
}

// Waker makes a suspended task runnable. The zero Waker does nothing.
type Waker struct {
	exec *Executor
	id   TaskID
}

// Wake schedules the task to run. Waking a task that is runnable or gone is
// a no-op.
func (w Waker) Wake() {
	if w.exec == nil {
		return
	}
	w.exec.wake(w.id)
}

// IsZero reports whether the waker refers to no task.
func (w Waker) IsZero() bool { return w.exec == nil }

// Task returns the id of the task this waker wakes.
func (w Waker) Task() TaskID { return w.id }
