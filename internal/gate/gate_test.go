package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardrun/internal/sched"
)

func newExecutor() (*sched.Executor, *sched.SimClock) {
	clock := sched.NewSimClock()
	return sched.New(0, sched.DefaultConfig(), sched.WithClock(clock)), clock
}

func run(t *testing.T, e *sched.Executor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.RunUntilIdle(ctx))
}

func TestCloseWaitsForHolders(t *testing.T) {
	e, clock := newExecutor()
	g := New()

	for _, d := range []time.Duration{10, 30, 20} {
		_, err := Spawn(e, 0, g, sched.Sleep(d*time.Millisecond))
		require.NoError(t, err)
	}
	require.Equal(t, 3, g.InFlight())

	var (
		closedAt time.Duration
		lateErr  error
		started  bool
	)
	_, err := e.Spawn(0, func(t *sched.Task) sched.Poll {
		closed := g.PollClose(t)
		if !started {
			started = true
			_, lateErr = g.Enter()
		}
		if !closed {
			return sched.Pending()
		}
		closedAt = t.Now()
		return sched.Done(nil)
	})
	require.NoError(t, err)

	run(t, e)
	assert.Equal(t, 30*time.Millisecond, closedAt)
	assert.Equal(t, 30*time.Millisecond, clock.Now())
	assert.ErrorIs(t, lateErr, ErrGateClosed)
	assert.Equal(t, Closed, g.State())
	assert.Zero(t, g.InFlight())
}

func TestCloseWithNothingInFlight(t *testing.T) {
	e, _ := newExecutor()
	g := New()
	steps := 0
	_, err := e.Spawn(0, func(t *sched.Task) sched.Poll {
		steps++
		if !g.PollClose(t) {
			return sched.Pending()
		}
		return sched.Done(nil)
	})
	require.NoError(t, err)

	run(t, e)
	assert.Equal(t, 1, steps)
	assert.Equal(t, Closed, g.State())
	assert.False(t, g.IsOpen())
}

func TestCloseIsIdempotent(t *testing.T) {
	e, _ := newExecutor()
	g := New()
	p, err := g.Enter()
	require.NoError(t, err)

	closers := 0
	for i := 0; i < 2; i++ {
		_, err := e.Spawn(0, func(t *sched.Task) sched.Poll {
			if !g.PollClose(t) {
				return sched.Pending()
			}
			closers++
			return sched.Done(nil)
		})
		require.NoError(t, err)
	}
	var during State
	_, err = e.Spawn(0, func(*sched.Task) sched.Poll {
		during = g.State()
		return sched.Done(p.Leave())
	})
	require.NoError(t, err)

	run(t, e)
	assert.Equal(t, Closing, during)
	assert.Equal(t, 2, closers)
	assert.Equal(t, Closed, g.State())
}

func TestDoubleRelease(t *testing.T) {
	g := New()
	p1, err := g.Enter()
	require.NoError(t, err)
	_, err = g.Enter()
	require.NoError(t, err)

	require.NoError(t, p1.Leave())
	assert.True(t, p1.Released())
	assert.ErrorIs(t, p1.Leave(), ErrGateDoubleRelease)
	assert.Equal(t, 1, g.InFlight())
}

func TestFaultingHolderReleases(t *testing.T) {
	e, _ := newExecutor()
	g := New()

	bad, err := e.Spawn(0, func(t *sched.Task) sched.Poll {
		if _, err := g.EnterScoped(t); err != nil {
			return sched.Done(err)
		}
		panic("holder exploded")
	})
	require.NoError(t, err)

	closed := false
	_, err = e.Spawn(0, func(t *sched.Task) sched.Poll {
		if !g.PollClose(t) {
			return sched.Pending()
		}
		closed = true
		return sched.Done(nil)
	})
	require.NoError(t, err)

	run(t, e)
	assert.ErrorIs(t, bad.Err(), sched.ErrTaskFault)
	assert.True(t, closed)
	assert.Zero(t, g.InFlight())
}

func TestCancelledHolderReleases(t *testing.T) {
	e, _ := newExecutor()
	g := New()

	h, err := Spawn(e, 0, g, func(t *sched.Task) sched.Poll { return sched.Pending() })
	require.NoError(t, err)
	h.Cancel()

	run(t, e)
	assert.ErrorIs(t, h.Err(), sched.ErrCancelled)
	assert.Zero(t, g.InFlight())
}

func TestSpawnOnClosedGate(t *testing.T) {
	e, _ := newExecutor()
	g := New()
	g.state = Closing

	_, err := Spawn(e, 0, g, func(*sched.Task) sched.Poll { return sched.Done(nil) })
	assert.ErrorIs(t, err, ErrGateClosed)
	assert.Zero(t, e.Stats().Spawned)
}

func TestSpawnOnClosingShardReleasesPass(t *testing.T) {
	e, _ := newExecutor()
	e.Close()
	g := New()

	_, err := Spawn(e, 0, g, func(*sched.Task) sched.Poll { return sched.Done(nil) })
	assert.ErrorIs(t, err, sched.ErrShardShuttingDown)
	assert.Zero(t, g.InFlight())
}

func TestUnderflowHaltsShard(t *testing.T) {
	e, _ := newExecutor()
	g := New()
	p := &Pass{g: g}

	_, err := e.Spawn(0, func(*sched.Task) sched.Poll {
		p.release()
		return sched.Done(nil)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, e.Run(ctx), sched.ErrInvariant)
}
