package sched

import "sync/atomic"

// Stats is a snapshot of a shard's counters.
type Stats struct {
	Spawned      int64
	Live         int64
	Completed    int64 // completed without a fault, with or without an error
	Faulted      int64
	Cancelled    int64
	Dispatches   int64
	Yields       int64
	Suspends     int64
	Preempts     int64 // steps that ran past the quantum
	PreemptFlags int64 // times ShouldYield turned true
	TimersFired  int64
}

type stats struct {
	spawned      atomic.Int64
	live         atomic.Int64
	completed    atomic.Int64
	faulted      atomic.Int64
	cancelled    atomic.Int64
	dispatches   atomic.Int64
	yields       atomic.Int64
	suspends     atomic.Int64
	preempts     atomic.Int64
	preemptFlags atomic.Int64
	timersFired  atomic.Int64
}

// Stats returns the shard's counters. Safe from any goroutine.
func (e *Executor) Stats() Stats {
	return Stats{
		Spawned:      e.stats.spawned.Load(),
		Live:         e.stats.live.Load(),
		Completed:    e.stats.completed.Load(),
		Faulted:      e.stats.faulted.Load(),
		Cancelled:    e.stats.cancelled.Load(),
		Dispatches:   e.stats.dispatches.Load(),
		Yields:       e.stats.yields.Load(),
		Suspends:     e.stats.suspends.Load(),
		Preempts:     e.stats.preempts.Load(),
		PreemptFlags: e.stats.preemptFlags.Load(),
		TimersFired:  e.stats.timersFired.Load(),
	}
}
