package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockingDeliversResult(t *testing.T) {
	e := New(0, DefaultConfig())
	var op *Op[int]
	polls := 0
	h, err := e.Spawn(0, func(t *Task) Poll {
		if op == nil {
			op = Blocking(t, func(context.Context) (int, error) {
				time.Sleep(5 * time.Millisecond)
				return 42, nil
			})
		}
		polls++
		v, done, err := op.Poll(t)
		if !done {
			return Pending()
		}
		if err != nil {
			return Done(err)
		}
		if v != 42 {
			return Done(errors.Errorf("got %d", v))
		}
		return Done(nil)
	})
	require.NoError(t, err)

	require.NoError(t, e.RunUntilIdle(testContext(t)))
	assert.NoError(t, h.Err())
	assert.LessOrEqual(t, polls, 2)
}

func TestBlockingBoundedConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockingThreads = 2
	e := New(0, cfg)

	var inFlight, peak atomic.Int32
	for i := 0; i < 6; i++ {
		var op *Op[struct{}]
		_, err := e.Spawn(0, func(t *Task) Poll {
			if op == nil {
				op = Blocking(t, func(context.Context) (struct{}, error) {
					n := inFlight.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					inFlight.Add(-1)
					return struct{}{}, nil
				})
			}
			_, done, err := op.Poll(t)
			if !done {
				return Pending()
			}
			return Done(err)
		})
		require.NoError(t, err)
	}

	require.NoError(t, e.RunUntilIdle(testContext(t)))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBlockingContextCancelledWithTask(t *testing.T) {
	e := New(0, DefaultConfig())
	release := make(chan struct{})
	var sawCancel atomic.Bool

	var op *Op[int]
	h, err := e.Spawn(0, func(t *Task) Poll {
		if op == nil {
			op = Blocking(t, func(ctx context.Context) (int, error) {
				close(release)
				<-ctx.Done()
				sawCancel.Store(true)
				return 0, ctx.Err()
			})
		}
		_, done, err := op.Poll(t)
		if !done {
			return Pending()
		}
		return Done(err)
	})
	require.NoError(t, err)

	go func() {
		<-release
		h.Cancel()
	}()

	require.NoError(t, e.RunUntilIdle(testContext(t)))
	assert.ErrorIs(t, h.Err(), ErrCancelled)
	assert.Eventually(t, sawCancel.Load, time.Second, time.Millisecond)
}
