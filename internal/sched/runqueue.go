package sched

import (
	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// classQueue is the FIFO of runnable tasks of one priority class.
type classQueue struct {
	weight  int
	deficit int
	q       *linkedlistqueue.Queue
}

// runQueue selects among class queues with deficit weighted round robin.
// Every round each non-empty class is owed selections equal to its weight;
// the class with the largest positive deficit is served next and debited by
// one, ties going to the lowest class index.
type runQueue struct {
	classes []*classQueue
	n       int
}

func newRunQueue(weights []int) *runQueue {
	rq := &runQueue{classes: make([]*classQueue, len(weights))}
	for i, w := range weights {
		rq.classes[i] = &classQueue{weight: w, q: linkedlistqueue.New()}
	}
	return rq
}

// Len returns the number of queued tasks.
func (rq *runQueue) Len() int { return rq.n }

// ClassLen returns the number of queued tasks in class c.
func (rq *runQueue) ClassLen(c Class) int { return rq.classes[c].q.Size() }

func (rq *runQueue) push(t *Task) error {
	if t.queued {
		return Invariant("task %d queued twice", t.id)
	}
	if t.state != StateRunnable {
		return Invariant("task %d queued in state %s", t.id, t.state)
	}
	rq.classes[t.class].q.Enqueue(t)
	t.queued = true
	rq.n++
	return nil
}

// pop returns the next task to run, or nil when every queue is empty.
func (rq *runQueue) pop() (*Task, error) {
	if rq.n == 0 {
		return nil, nil
	}
	c := rq.pick()
	v, ok := c.q.Dequeue()
	if !ok {
		return nil, Invariant("run queue count %d but selected class is empty", rq.n)
	}
	rq.n--
	c.deficit--

	t := v.(*Task)
	t.queued = false
	if t.state != StateRunnable {
		return nil, Invariant("task %d popped in state %s", t.id, t.state)
	}
	return t, nil
}

func (rq *runQueue) pick() *classQueue {
	for {
		var best *classQueue
		for _, c := range rq.classes {
			if c.q.Empty() || c.deficit <= 0 {
				continue
			}
			if best == nil || c.deficit > best.deficit {
				best = c
			}
		}
		if best != nil {
			return best
		}

		// start a new round
		for _, c := range rq.classes {
			if c.q.Empty() {
				c.deficit = 0
			} else {
				c.deficit += c.weight
			}
		}
	}
}
