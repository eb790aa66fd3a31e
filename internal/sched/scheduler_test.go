package sched

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSimExecutor(weights ...int) (*Executor, *SimClock) {
	clock := NewSimClock()
	cfg := DefaultConfig()
	cfg.Weights = weights
	return New(0, cfg, WithClock(clock)), clock
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type eventLog struct {
	kinds []StatusKind
}

func (l *eventLog) Record(ev StatusEvent) { l.kinds = append(l.kinds, ev.Kind) }

func (l *eventLog) count(k StatusKind) int {
	n := 0
	for _, x := range l.kinds {
		if x == k {
			n++
		}
	}
	return n
}

func TestExecutorRunsTaskToCompletion(t *testing.T) {
	e, _ := newSimExecutor(1)
	want := errors.New("result")
	h, err := e.Spawn(0, func(*Task) Poll { return Done(want) })
	require.NoError(t, err)

	require.NoError(t, e.RunUntilIdle(testContext(t)))
	select {
	case <-h.Done():
	default:
		t.Fatal("handle not resolved")
	}
	assert.Equal(t, want, h.Err())

	st := e.Stats()
	assert.Equal(t, int64(1), st.Spawned)
	assert.Equal(t, int64(1), st.Completed)
	assert.Equal(t, int64(0), st.Live)
}

func TestExecutorWeightedDispatch(t *testing.T) {
	e, _ := newSimExecutor(3, 1)
	var order strings.Builder
	for _, c := range []Class{0, 0, 0, 0, 1, 1, 1, 1} {
		c := c
		_, err := e.Spawn(c, func(t *Task) Poll {
			order.WriteString([]string{"H", "L"}[c])
			return Done(nil)
		})
		require.NoError(t, err)
	}

	require.NoError(t, e.RunUntilIdle(testContext(t)))
	assert.Equal(t, "HHHLHLLL", order.String())
}

func TestExecutorYieldRoundRobin(t *testing.T) {
	e, _ := newSimExecutor(1)
	var trace []string
	for _, name := range []string{"a", "b"} {
		name := name
		steps := 0
		_, err := e.Spawn(0, func(t *Task) Poll {
			steps++
			trace = append(trace, fmt.Sprintf("%s%d", name, steps))
			if steps == 3 {
				return Done(nil)
			}
			return Yield()
		})
		require.NoError(t, err)
	}

	require.NoError(t, e.RunUntilIdle(testContext(t)))
	assert.Equal(t, []string{"a1", "b1", "a2", "b2", "a3", "b3"}, trace)
	assert.Equal(t, int64(4), e.Stats().Yields)
}

func TestExecutorFaultIsolation(t *testing.T) {
	e, _ := newSimExecutor(1)
	rec := &eventLog{}
	e.rec = rec

	cleaned := false
	bad, err := e.Spawn(0, func(t *Task) Poll {
		t.Defer(func() { cleaned = true })
		panic("boom")
	})
	require.NoError(t, err)
	good, err := e.Spawn(0, func(*Task) Poll { return Done(nil) })
	require.NoError(t, err)

	require.NoError(t, e.RunUntilIdle(testContext(t)))

	assert.ErrorIs(t, bad.Err(), ErrTaskFault)
	var te *TaskError
	require.True(t, errors.As(bad.Err(), &te))
	assert.Equal(t, "boom", te.Value)
	assert.True(t, cleaned)
	assert.NoError(t, good.Err())
	assert.Equal(t, int64(1), e.Stats().Faulted)
	assert.Equal(t, 1, rec.count(StatusFault))
}

func TestExecutorCancelSuspendedTask(t *testing.T) {
	e, _ := newSimExecutor(1)
	var cleanups []string
	steps := 0
	victim, err := e.Spawn(0, func(t *Task) Poll {
		steps++
		t.Defer(func() { cleanups = append(cleanups, "first") })
		t.Defer(func() { cleanups = append(cleanups, "second") })
		return Pending()
	})
	require.NoError(t, err)
	_, err = e.Spawn(0, func(*Task) Poll {
		victim.Cancel()
		return Done(nil)
	})
	require.NoError(t, err)

	require.NoError(t, e.RunUntilIdle(testContext(t)))
	assert.ErrorIs(t, victim.Err(), ErrCancelled)
	assert.Equal(t, 1, steps)
	assert.Equal(t, []string{"second", "first"}, cleanups)
	assert.Equal(t, int64(1), e.Stats().Cancelled)
}

func TestExecutorSelfCancelStopsAtSuspensionPoint(t *testing.T) {
	e, _ := newSimExecutor(1)
	steps := 0
	sideEffect := false
	var sawCancel bool
	h, err := e.Spawn(0, func(task *Task) Poll {
		steps++
		task.Handle().Cancel()
		sawCancel = task.Cancelled()
		sideEffect = true
		return Yield()
	})
	require.NoError(t, err)

	require.NoError(t, e.RunUntilIdle(testContext(t)))
	assert.Equal(t, 1, steps)
	assert.True(t, sideEffect)
	assert.True(t, sawCancel)
	assert.ErrorIs(t, h.Err(), ErrCancelled)
}

func TestExecutorCancelBeforeFirstStep(t *testing.T) {
	e, _ := newSimExecutor(1)
	ran := false
	cleaned := false
	h, err := e.Spawn(0, func(*Task) Poll {
		ran = true
		return Done(nil)
	}, WithCleanup(func() { cleaned = true }))
	require.NoError(t, err)
	h.Cancel()

	require.NoError(t, e.RunUntilIdle(testContext(t)))
	assert.False(t, ran)
	assert.True(t, cleaned)
	assert.ErrorIs(t, h.Err(), ErrCancelled)
}

func TestExecutorDeadlineCancelsTask(t *testing.T) {
	e, clock := newSimExecutor(1)
	tm := NewTimer(100 * time.Millisecond)
	h, err := e.Spawn(0, func(t *Task) Poll {
		if done, _ := tm.Poll(t); !done {
			return Pending()
		}
		return Done(nil)
	}, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, e.RunUntilIdle(testContext(t)))
	assert.ErrorIs(t, h.Err(), ErrCancelled)
	assert.Contains(t, h.Err().Error(), "deadline exceeded")
	assert.Equal(t, 50*time.Millisecond, clock.Now())
	assert.Equal(t, 0, e.Timers().Len(), "owned timers are disarmed on teardown")
}

func TestExecutorShouldYieldAfterQuantum(t *testing.T) {
	e, clock := newSimExecutor(1)
	rec := &eventLog{}
	e.rec = rec

	iterations := 0
	steps := 0
	flaggedAgain := false
	_, err := e.Spawn(0, func(task *Task) Poll {
		steps++
		if steps > 1 {
			flaggedAgain = task.ShouldYield()
			return Done(nil)
		}
		for !task.ShouldYield() {
			clock.Advance(4 * time.Millisecond)
			iterations++
		}
		return Yield()
	})
	require.NoError(t, err)

	require.NoError(t, e.RunUntilIdle(testContext(t)))
	assert.Equal(t, 3, iterations)
	assert.False(t, flaggedAgain, "quantum restarts every step")
	st := e.Stats()
	assert.Equal(t, int64(1), st.Preempts)
	assert.Equal(t, int64(1), st.PreemptFlags)
	assert.Equal(t, 1, rec.count(StatusPreempt))
}

func TestExecutorJoin(t *testing.T) {
	e, _ := newSimExecutor(1)
	childErr := errors.New("child failed")

	var child *Handle
	parent, err := e.Spawn(0, func(t *Task) Poll {
		if child == nil {
			var err error
			child, err = t.Spawn(0, func(t *Task) Poll { return Done(childErr) })
			if err != nil {
				return Done(err)
			}
		}
		done, err := child.PollJoin(t)
		if !done {
			return Pending()
		}
		return Done(errors.Wrap(err, "joined"))
	})
	require.NoError(t, err)

	require.NoError(t, e.RunUntilIdle(testContext(t)))
	assert.ErrorIs(t, parent.Err(), childErr)
}

func TestExecutorCloseRejectsSpawns(t *testing.T) {
	e, _ := newSimExecutor(1)
	e.Close()
	assert.True(t, e.Closing())

	_, err := e.Spawn(0, func(*Task) Poll { return Done(nil) })
	assert.ErrorIs(t, err, ErrShardShuttingDown)
	_, err = e.Submit(0, func(*Task) Poll { return Done(nil) })
	assert.ErrorIs(t, err, ErrShardShuttingDown)

	assert.NoError(t, e.Run(testContext(t)))
}

func TestExecutorCloseLetsLiveTasksFinish(t *testing.T) {
	e, clock := newSimExecutor(1)
	h, err := e.Spawn(0, Sleep(20*time.Millisecond))
	require.NoError(t, err)
	var lateErr error
	_, err = e.Spawn(0, func(task *Task) Poll {
		task.Executor().Close()
		_, lateErr = task.Spawn(0, func(*Task) Poll { return Done(nil) })
		return Done(nil)
	})
	require.NoError(t, err)

	require.NoError(t, e.Run(testContext(t)))
	assert.ErrorIs(t, lateErr, ErrShardShuttingDown)
	assert.NoError(t, h.Err())
	assert.Equal(t, 20*time.Millisecond, clock.Now())
}

func TestExecutorSubmitFromAnotherGoroutine(t *testing.T) {
	e := New(0, DefaultConfig())
	ctx := testContext(t)

	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	var hits atomic.Int32
	for i := 0; i < 10; i++ {
		h, err := e.Submit(0, func(*Task) Poll {
			hits.Add(1)
			return Done(nil)
		})
		require.NoError(t, err)
		require.NoError(t, h.Wait(ctx))
	}
	e.Close()

	require.NoError(t, <-errc)
	assert.Equal(t, int32(10), hits.Load())
}

func TestExecutorContextCancelAbortsTasks(t *testing.T) {
	e, _ := newSimExecutor(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleaned := false
	h, err := e.Spawn(0, func(t *Task) Poll {
		t.Defer(func() { cleaned = true })
		cancel()
		return Pending()
	})
	require.NoError(t, err)

	assert.ErrorIs(t, e.Run(ctx), context.Canceled)
	assert.True(t, cleaned)
	assert.ErrorIs(t, h.Err(), ErrCancelled)
	assert.True(t, e.Closing())
}

func TestExecutorContextCancelRunsCleanupOfSubmittedTasks(t *testing.T) {
	e, _ := newSimExecutor(1)
	var order []string
	h, err := e.Submit(0, func(*Task) Poll { return Done(nil) },
		WithCleanup(func() { order = append(order, "first") }),
		WithCleanup(func() { order = append(order, "second") }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Run(ctx), context.Canceled)
	assert.Equal(t, []string{"second", "first"}, order)
	assert.ErrorIs(t, h.Err(), ErrCancelled)
}

func TestExecutorInvariantHalts(t *testing.T) {
	e, _ := newSimExecutor(1)
	_, err := e.Spawn(0, func(*Task) Poll {
		panic(Invariant("counter went negative"))
	})
	require.NoError(t, err)
	never, err := e.Spawn(0, func(*Task) Poll { return Done(nil) })
	require.NoError(t, err)

	err = e.Run(testContext(t))
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Contains(t, err.Error(), "counter went negative")

	select {
	case <-never.Done():
		t.Fatal("halted shard kept running tasks")
	default:
	}
}

func TestExecutorRejectsConcurrentRun(t *testing.T) {
	e, _ := newSimExecutor(1)
	e.running.Store(true)
	assert.ErrorIs(t, e.Run(testContext(t)), ErrAlreadyRunning)
}

func TestPoolRunsEveryShard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Shards = 3
	p := NewPool(cfg, WithClock(NewSimClock()))
	require.Len(t, p.Shards(), 3)
	assert.Equal(t, []ShardID{0, 1, 2}, p.IDs())

	var handles []*Handle
	for _, e := range p.Shards() {
		h, err := e.Spawn(0, Sleep(time.Duration(e.ID()+1)*time.Millisecond))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, p.RunUntilIdle(testContext(t)))
	for _, h := range handles {
		assert.NoError(t, h.Err())
	}
}
