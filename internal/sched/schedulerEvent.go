// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusEnqueue
	StatusDispatch
	StatusYield
	StatusSuspend
	StatusWake
	StatusPreempt
	StatusFinish
	StatusFault
	StatusCancel
	StatusTimer
)

// StatusEvent is emitted on every scheduling decision.
type StatusEvent struct {
	Time    time.Duration // shard virtual time
	Shard   ShardID
	Kind    StatusKind
	TaskID  TaskID
	Class   Class
	RunTime time.Duration // length of the step, for Yield/Suspend/Preempt/Finish/Fault
	Err     error
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusIdle:
		return "Idle"
	case StatusEnqueue:
		return "Enqueued"
	case StatusDispatch:
		return "Dispatch"
	case StatusYield:
		return "Yield"
	case StatusSuspend:
		return "Suspend"
	case StatusWake:
		return "Wake"
	case StatusPreempt:
		return "Preempt"
	case StatusFinish:
		return "Finish"
	case StatusFault:
		return "Fault"
	case StatusCancel:
		return "Cancel"
	case StatusTimer:
		return "Timer"
	default:
		return "Unknown"
	}
}

// Recorder receives status events. Record is called on the shard thread
// and must not block.
type Recorder interface {
	Record(ev StatusEvent)
}

// Recorders fans one event out to several recorders.
type Recorders []Recorder

func (rs Recorders) Record(ev StatusEvent) {
	for _, r := range rs {
		r.Record(ev)
	}
}
