// Package gate provides a drain primitive for shutdown sequences: a Gate
// admits guarded operations while open, and closing it waits for the ones
// already admitted to finish.
//
// A Gate belongs to one shard. It is not safe to share across shards.
package gate

import (
	"github.com/pkg/errors"

	"shardrun/internal/sched"
)

var (
	ErrGateClosed        = errors.New("gate closed")
	ErrGateDoubleRelease = errors.New("gate pass released twice")
)

// State is the lifecycle of a Gate.
type State int

const (
	Open State = iota
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Gate counts in-flight registrations. The counter only changes while the
// gate is Open or Closing, and the gate becomes Closed only at zero.
type Gate struct {
	state    State
	inflight int
	waiters  []sched.Waker
}

// New returns an open gate.
func New() *Gate { return &Gate{} }

// State returns the current state.
func (g *Gate) State() State { return g.state }

// InFlight returns the number of passes not yet released.
func (g *Gate) InFlight() int { return g.inflight }

// IsOpen reports whether Enter would succeed.
func (g *Gate) IsOpen() bool { return g.state == Open }

// Enter registers one guarded operation. It fails with ErrGateClosed once
// closing has started.
func (g *Gate) Enter() (*Pass, error) {
	if g.state != Open {
		return nil, ErrGateClosed
	}
	g.inflight++
	return &Pass{g: g}, nil
}

// EnterScoped is Enter with the release tied to t: if t terminates without
// calling Leave, for any reason, the pass is released then.
func (g *Gate) EnterScoped(t *sched.Task) (*Pass, error) {
	p, err := g.Enter()
	if err != nil {
		return nil, err
	}
	t.Defer(p.release)
	return p, nil
}

// PollClose stops admitting new passes and reports whether the gate is
// Closed. While passes are outstanding it parks t until the last one is
// released. Calling it again, from the same or another task, just waits on
// the same transition.
func (g *Gate) PollClose(t *sched.Task) bool {
	switch g.state {
	case Closed:
		return true
	case Open:
		g.state = Closing
		if g.inflight == 0 {
			g.finish()
			return true
		}
	}

	w := t.Waker()
	for _, x := range g.waiters {
		if x == w {
			return false
		}
	}
	g.waiters = append(g.waiters, w)
	return false
}

func (g *Gate) leave() {
	if g.state == Closed || g.inflight <= 0 {
		panic(sched.Invariant("gate: release with %d in flight while %s", g.inflight, g.state))
	}
	g.inflight--
	if g.inflight == 0 && g.state == Closing {
		g.finish()
	}
}

func (g *Gate) finish() {
	g.state = Closed
	waiters := g.waiters
	g.waiters = nil
	for _, w := range waiters {
		w.Wake()
	}
}

// Pass is one registration against a Gate.
type Pass struct {
	g        *Gate
	released bool
}

// Leave releases the pass. Releasing twice is a contract violation and
// returns ErrGateDoubleRelease without touching the counter.
func (p *Pass) Leave() error {
	if p.released {
		return ErrGateDoubleRelease
	}
	p.release()
	return nil
}

// Released reports whether the pass was released.
func (p *Pass) Released() bool { return p.released }

func (p *Pass) release() {
	if p.released {
		return
	}
	p.released = true
	p.g.leave()
}

// Spawn enters g and spawns fn on e holding the pass. The pass is released
// when the task terminates, whether it completes, faults or is cancelled.
func Spawn(e *sched.Executor, class sched.Class, g *Gate, fn sched.Func, opts ...sched.SpawnOption) (*sched.Handle, error) {
	p, err := g.Enter()
	if err != nil {
		return nil, err
	}
	h, err := e.Spawn(class, fn, append([]sched.SpawnOption{sched.WithCleanup(p.release)}, opts...)...)
	if err != nil {
		p.release()
		return nil, err
	}
	return h, nil
}
