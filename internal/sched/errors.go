package sched

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrShardShuttingDown = errors.New("shard is shutting down")
	ErrTaskFault         = errors.New("task fault")
	ErrCancelled         = errors.New("task cancelled")
	ErrTimerCancelled    = errors.New("timer cancelled")
	ErrAlreadyRunning    = errors.New("executor is already running")
	ErrInvariant         = errors.New("invariant violation")
)

// TaskError reports how a task terminated abnormally. It is delivered
// through the task's Handle.
type TaskError struct {
	Kind  error
	Task  TaskID
	Msg   string
	Value any // recovered panic value for faults
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return fmt.Sprintf("task %d: %s", e.Task, e.Kind.Error())
	}
	return fmt.Sprintf("task %d: %s: %s", e.Task, e.Kind.Error(), e.Msg)
}

func (e *TaskError) Unwrap() error { return e.Kind }

// InvariantError marks corrupted scheduler bookkeeping. When it is raised
// (returned or panicked) on a shard, the shard halts.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "invariant violation: " + e.Msg }

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// Invariant builds an InvariantError. Primitives built on the scheduler
// panic with it when their own counters no longer balance.
func Invariant(format string, args ...any) *InvariantError {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

func faultError(id TaskID, r any) error {
	if err, ok := r.(error); ok {
		return errors.WithStack(&TaskError{Kind: ErrTaskFault, Task: id, Msg: err.Error(), Value: r})
	}
	return errors.WithStack(&TaskError{Kind: ErrTaskFault, Task: id, Msg: fmt.Sprint(r), Value: r})
}

func cancelError(id TaskID, msg string) error {
	return &TaskError{Kind: ErrCancelled, Task: id, Msg: msg}
}
