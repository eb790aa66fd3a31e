package mesh

import (
	"fmt"
	"io"
	"sync"

	"github.com/emirpasic/gods/queues/circularbuffer"
	"github.com/pkg/errors"

	"shardrun/internal/sched"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrWouldBlock    = errors.New("operation would block")
)

// State is the lifecycle of a channel.
type State int

const (
	Open State = iota
	SenderClosed
	ReceiverClosed
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "Open"
	case SenderClosed:
		return "SenderClosed"
	case ReceiverClosed:
		return "ReceiverClosed"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// channel is a bounded FIFO between exactly one sender and one receiver,
// which may live on different shards. The mutex is the only state shared
// between the two shards.
type channel[T any] struct {
	mu          sync.Mutex
	buf         *circularbuffer.Queue
	capacity    int
	state       State
	recvWaiters waiters
	sendWaiters waiters
	sendShard   *sched.Executor
	recvShard   *sched.Executor
}

// Sender is the sending half of a channel.
type Sender[T any] struct {
	c *channel[T]
}

// Receiver is the receiving half of a channel.
type Receiver[T any] struct {
	c *channel[T]
}

// NewChannel creates a bounded channel. Capacity must be at least one.
func NewChannel[T any](capacity int) (*Sender[T], *Receiver[T], error) {
	if capacity < 1 {
		return nil, nil, errors.Errorf("channel capacity must be positive, got %d", capacity)
	}
	c := &channel[T]{
		buf:      circularbuffer.New(capacity),
		capacity: capacity,
	}
	return &Sender[T]{c: c}, &Receiver[T]{c: c}, nil
}

// TrySend enqueues v without waiting. It fails with ErrWouldBlock when the
// channel is full and ErrChannelClosed when either half is closed.
func (s *Sender[T]) TrySend(v T) error {
	s.c.mu.Lock()
	ws, err := s.c.sendLocked(v)
	s.c.mu.Unlock()
	ws.wake()
	return err
}

// PollSend enqueues v, or parks t until there is room. It reports true once
// the value is sent; a closed channel fails with ErrChannelClosed.
func (s *Sender[T]) PollSend(t *sched.Task, v T) (bool, error) {
	c := s.c
	c.mu.Lock()
	c.bind(&c.sendShard, t, "sender")
	ws, err := c.sendLocked(v)
	if err == ErrWouldBlock {
		c.sendWaiters.add(t.Waker())
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()
	ws.wake()
	return true, err
}

// Close closes the sending half. Buffered messages still drain to the
// receiver, which then sees end of stream.
func (s *Sender[T]) Close() {
	c := s.c
	c.mu.Lock()
	switch c.state {
	case Open:
		c.state = SenderClosed
	case ReceiverClosed:
		c.state = Closed
	}
	ws := c.recvWaiters.take()
	c.mu.Unlock()
	ws.wake()
}

// CloseOnExit closes the sending half when t terminates.
func (s *Sender[T]) CloseOnExit(t *sched.Task) { t.Defer(s.Close) }

// State returns the channel state.
func (s *Sender[T]) State() State { return s.c.getState() }

// Len returns the number of buffered messages.
func (s *Sender[T]) Len() int { return s.c.length() }

// Cap returns the channel capacity.
func (s *Sender[T]) Cap() int { return s.c.capacity }

// TryRecv dequeues one message without waiting. It fails with ErrWouldBlock
// when empty, io.EOF once the sender closed and the buffer drained, and
// ErrChannelClosed when the receiving half was closed.
func (r *Receiver[T]) TryRecv() (T, error) {
	r.c.mu.Lock()
	v, ws, err := r.c.recvLocked()
	r.c.mu.Unlock()
	ws.wake()
	return v, err
}

// PollRecv dequeues one message, or parks t until one arrives or the sender
// closes. It reports true once resolved: with a message, io.EOF at end of
// stream, or ErrChannelClosed.
func (r *Receiver[T]) PollRecv(t *sched.Task) (T, bool, error) {
	c := r.c
	c.mu.Lock()
	c.bind(&c.recvShard, t, "receiver")
	v, ws, err := c.recvLocked()
	if err == ErrWouldBlock {
		c.recvWaiters.add(t.Waker())
		c.mu.Unlock()
		return v, false, nil
	}
	c.mu.Unlock()
	ws.wake()
	return v, true, err
}

// Close closes the receiving half. Buffered messages are discarded and
// every later send fails immediately.
func (r *Receiver[T]) Close() {
	c := r.c
	c.mu.Lock()
	switch c.state {
	case Open:
		c.state = ReceiverClosed
	case SenderClosed:
		c.state = Closed
	}
	c.buf.Clear()
	ws := c.sendWaiters.take()
	c.mu.Unlock()
	ws.wake()
}

// CloseOnExit closes the receiving half when t terminates.
func (r *Receiver[T]) CloseOnExit(t *sched.Task) { t.Defer(r.Close) }

// State returns the channel state.
func (r *Receiver[T]) State() State { return r.c.getState() }

// Len returns the number of buffered messages.
func (r *Receiver[T]) Len() int { return r.c.length() }

// Cap returns the channel capacity.
func (r *Receiver[T]) Cap() int { return r.c.capacity }

// sendLocked returns the parked receivers, to be woken after unlocking.
func (c *channel[T]) sendLocked(v T) (waiters, error) {
	if c.state != Open {
		return nil, ErrChannelClosed
	}
	if c.buf.Full() {
		return nil, ErrWouldBlock
	}
	c.buf.Enqueue(v)
	return c.recvWaiters.take(), nil
}

// recvLocked returns the parked senders, to be woken after unlocking.
func (c *channel[T]) recvLocked() (T, waiters, error) {
	var zero T
	if c.state == ReceiverClosed || c.state == Closed {
		return zero, nil, ErrChannelClosed
	}
	if x, ok := c.buf.Dequeue(); ok {
		return x.(T), c.sendWaiters.take(), nil
	}
	if c.state == SenderClosed {
		return zero, nil, io.EOF
	}
	return zero, nil, ErrWouldBlock
}

// waiters are the tasks parked on one side of a channel. Every state
// change wakes all of them; each re-polls and parks again if it lost.
type waiters []sched.Waker

func (ws *waiters) add(w sched.Waker) {
	for _, x := range *ws {
		if x == w {
			return
		}
	}
	*ws = append(*ws, w)
}

func (ws *waiters) take() waiters {
	out := *ws
	*ws = nil
	return out
}

func (ws waiters) wake() {
	for _, w := range ws {
		w.Wake()
	}
}

// bind ties a half to the first shard that polls it. Using it from another
// shard afterwards is a contract violation.
func (c *channel[T]) bind(slot **sched.Executor, t *sched.Task, half string) {
	e := t.Executor()
	if *slot == nil {
		*slot = e
		return
	}
	if *slot != e {
		owner := (*slot).ID()
		c.mu.Unlock()
		panic(fmt.Sprintf("mesh: %s bound to shard %d used from shard %d", half, owner, e.ID()))
	}
}

func (c *channel[T]) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *channel[T]) length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Size()
}
