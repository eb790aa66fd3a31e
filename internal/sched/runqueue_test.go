package sched

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueueFixture(weights ...int) (*Executor, *runQueue) {
	e := New(0, Config{Weights: weights})
	return e, newRunQueue(e.cfg.Weights)
}

func drainClasses(t *testing.T, rq *runQueue, labels string) string {
	t.Helper()
	var b strings.Builder
	for {
		task, err := rq.pop()
		require.NoError(t, err)
		if task == nil {
			return b.String()
		}
		b.WriteByte(labels[task.class])
	}
}

func TestRunQueueWeightedOrder(t *testing.T) {
	e, rq := newQueueFixture(3, 1)
	for i := 0; i < 4; i++ {
		require.NoError(t, rq.push(newTask(e, TaskID(i+1), 0, nil)))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, rq.push(newTask(e, TaskID(i+5), 1, nil)))
	}

	assert.Equal(t, "HHHLHLLL", drainClasses(t, rq, "HL"))
	assert.Equal(t, 0, rq.Len())
}

func TestRunQueueShareUnderBacklog(t *testing.T) {
	const rounds = 10
	for _, tc := range []struct {
		weights []int
		period  string
	}{
		{[]int{3, 1}, "aaab"},
		{[]int{2, 2, 1}, "ababc"},
		{[]int{5, 1, 1}, "aaaaabc"},
	} {
		t.Run(fmt.Sprint(tc.weights), func(t *testing.T) {
			e, rq := newQueueFixture(tc.weights...)
			id := TaskID(0)
			total := 0
			for c, w := range tc.weights {
				for i := 0; i < w*rounds; i++ {
					id++
					require.NoError(t, rq.push(newTask(e, id, Class(c), nil)))
				}
				total += w
			}

			seq := drainClasses(t, rq, "abc")
			require.Len(t, seq, total*rounds)
			assert.Equal(t, strings.Repeat(tc.period, rounds), seq)

			// every window of sum(weights) selections serves each class its weight
			for start := 0; start+total <= len(seq); start++ {
				window := seq[start : start+total]
				for c, w := range tc.weights {
					assert.GreaterOrEqual(t, strings.Count(window, string("abc"[c])), w,
						"class %d in window %d %q", c, start, window)
				}
			}
		})
	}
}

func TestRunQueueTieGoesToLowerClass(t *testing.T) {
	e, rq := newQueueFixture(1, 1, 1)
	for i := 2; i >= 0; i-- {
		require.NoError(t, rq.push(newTask(e, TaskID(i+1), Class(i), nil)))
	}
	assert.Equal(t, "abc", drainClasses(t, rq, "abc"))
}

func TestRunQueueFIFOWithinClass(t *testing.T) {
	e, rq := newQueueFixture(1)
	for i := 1; i <= 5; i++ {
		require.NoError(t, rq.push(newTask(e, TaskID(i), 0, nil)))
	}
	for i := 1; i <= 5; i++ {
		task, err := rq.pop()
		require.NoError(t, err)
		assert.Equal(t, TaskID(i), task.id)
	}
}

func TestRunQueueEmptyClassLosesCredit(t *testing.T) {
	e, rq := newQueueFixture(1, 5)
	require.NoError(t, rq.push(newTask(e, 1, 1, nil)))
	task, err := rq.pop()
	require.NoError(t, err)
	require.Equal(t, Class(1), task.class)

	// class 1 kept 4 credits while it had nothing queued; a new round wipes them
	require.NoError(t, rq.push(newTask(e, 2, 0, nil)))
	task, err = rq.pop()
	require.NoError(t, err)
	assert.Equal(t, Class(0), task.class)
	assert.Equal(t, 0, rq.classes[1].deficit)
}

func TestRunQueueInvariants(t *testing.T) {
	e, rq := newQueueFixture(1)
	task := newTask(e, 1, 0, nil)
	require.NoError(t, rq.push(task))

	err := rq.push(task)
	assert.ErrorIs(t, err, ErrInvariant)

	suspended := newTask(e, 2, 0, nil)
	suspended.state = StateSuspended
	assert.ErrorIs(t, rq.push(suspended), ErrInvariant)

	// a queued task whose state was corrupted cannot be selected
	task.state = StateCompleted
	_, err = rq.pop()
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestRunQueueClampsClass(t *testing.T) {
	e, rq := newQueueFixture(2, 1)
	require.NoError(t, rq.push(newTask(e, 1, 7, nil)))
	require.NoError(t, rq.push(newTask(e, 2, -3, nil)))
	assert.Equal(t, 1, rq.ClassLen(0))
	assert.Equal(t, 1, rq.ClassLen(1))
}
