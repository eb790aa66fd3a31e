package sched

import (
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// TimerID identifies an armed timer on one shard.
type TimerID uint64

// Timers is the per-shard timer service: armed deadlines ordered by
// (deadline, insertion sequence) in a red-black tree.
type Timers struct {
	tree *redblacktree.Tree
	byID map[TimerID]timerKey
	seq  uint64
}

type timerKey struct {
	deadline time.Duration
	seq      uint64
}

type timerEntry struct {
	id    TimerID
	owner TaskID // zero for bare timers
	fire  func()
}

// NewTimers creates an empty timer service.
func NewTimers() *Timers {
	return &Timers{
		tree: redblacktree.NewWith(timerCmp),
		byID: make(map[TimerID]timerKey),
	}
}

// Arm registers fire to run once virtual time reaches deadline.
func (ts *Timers) Arm(deadline time.Duration, owner TaskID, fire func()) TimerID {
	ts.seq++
	k := timerKey{deadline: deadline, seq: ts.seq}
	id := TimerID(ts.seq)
	ts.tree.Put(k, &timerEntry{id: id, owner: owner, fire: fire})
	ts.byID[id] = k
	return id
}

// Cancel removes an armed timer. It reports false if the timer already
// fired or was never armed.
func (ts *Timers) Cancel(id TimerID) bool {
	k, ok := ts.byID[id]
	if !ok {
		return false
	}
	ts.tree.Remove(k)
	delete(ts.byID, id)
	return true
}

// NextDeadline returns the earliest armed deadline.
func (ts *Timers) NextDeadline() (time.Duration, bool) {
	node := ts.tree.Left()
	if node == nil {
		return 0, false
	}
	return node.Key.(timerKey).deadline, true
}

// Expire fires every timer whose deadline is at or before now, earliest
// first and in arming order among equal deadlines. It returns the number fired.
func (ts *Timers) Expire(now time.Duration) int {
	n := 0
	for {
		node := ts.tree.Left()
		if node == nil {
			break
		}
		k := node.Key.(timerKey)
		if k.deadline > now {
			break
		}
		ent := node.Value.(*timerEntry)
		ts.tree.Remove(k)
		delete(ts.byID, ent.id)
		n++
		if ent.fire != nil {
			ent.fire()
		}
	}
	return n
}

// Len returns the number of armed timers.
func (ts *Timers) Len() int { return ts.tree.Size() }

// timerCmp orders timer keys for the red-black tree.
func timerCmp(a, b any) int {
	ka, kb := a.(timerKey), b.(timerKey)
	switch {
	case ka.deadline < kb.deadline:
		return -1
	case ka.deadline > kb.deadline:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// Timer is a task-facing timed wait. Create it once, keep it in the task's
// state and poll it from the task until it resolves. A Timer belongs to the
// shard of the task that first polls it.
type Timer struct {
	after     time.Duration
	absolute  bool
	id        TimerID
	owner     *Task
	armed     bool
	fired     bool
	cancelled bool
}

// NewTimer waits d of virtual time, counted from the first Poll.
func NewTimer(d time.Duration) *Timer { return &Timer{after: d} }

// NewDeadline waits until virtual time at.
func NewDeadline(at time.Duration) *Timer { return &Timer{after: at, absolute: true} }

// Poll arms the timer on first use and reports whether the wait resolved.
// A cancelled timer resolves with ErrTimerCancelled.
func (tm *Timer) Poll(t *Task) (bool, error) {
	switch {
	case tm.cancelled:
		return true, ErrTimerCancelled
	case tm.fired:
		return true, nil
	case tm.armed:
		return false, nil
	}

	deadline := tm.after
	if !tm.absolute {
		deadline += t.Now()
	}
	tm.owner = t
	tm.armed = true
	tm.id = t.exec.armFor(t, deadline, func() {
		tm.fired = true
		t.exec.wakeLocal(t.id)
	})
	return false, nil
}

// Cancel disarms the timer. A task waiting on it is woken and its Poll
// returns ErrTimerCancelled. Cancel reports false if the timer had already
// fired or been cancelled.
func (tm *Timer) Cancel() bool {
	if tm.fired || tm.cancelled {
		return false
	}
	tm.cancelled = true
	if tm.armed {
		tm.owner.exec.disarmFor(tm.owner, tm.id)
		tm.owner.Waker().Wake()
	}
	return true
}

// Sleep returns a task body that completes after d of virtual time.
func Sleep(d time.Duration) Func {
	tm := NewTimer(d)
	return func(t *Task) Poll {
		done, err := tm.Poll(t)
		if !done {
			return Pending()
		}
		return Done(err)
	}
}
