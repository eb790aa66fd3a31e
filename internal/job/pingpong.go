package job

import (
	"io"

	"shardrun/internal/mesh"
	"shardrun/internal/sched"
)

// PingPong bounces a counter between two tasks over a pair of channels.
// The pinger sends n and waits for n+1 until it reaches Rounds; the ponger
// answers every ping with its successor. The two tasks may run on
// different shards.
type PingPong struct {
	Rounds int
	Last   int

	pingTx *mesh.Sender[int]
	pingRx *mesh.Receiver[int]
	pongTx *mesh.Sender[int]
	pongRx *mesh.Receiver[int]
}

// NewPingPong creates the channel pair.
func NewPingPong(rounds, capacity int) (*PingPong, error) {
	p := &PingPong{Rounds: rounds}
	var err error
	if p.pingTx, p.pingRx, err = mesh.NewChannel[int](capacity); err != nil {
		return nil, err
	}
	if p.pongTx, p.pongRx, err = mesh.NewChannel[int](capacity); err != nil {
		return nil, err
	}
	return p, nil
}

// Pinger returns the body of the side that starts the exchange. Spawn it
// with sched.WithCleanup(p.ClosePing) so the ponger sees end of stream.
func (p *PingPong) Pinger() sched.Func {
	n, sending := 0, true
	return func(t *sched.Task) sched.Poll {
		for n < p.Rounds {
			if sending {
				sent, err := p.pingTx.PollSend(t, n)
				if err != nil {
					return sched.Done(err)
				}
				if !sent {
					return sched.Pending()
				}
				sending = false
			}
			v, ok, err := p.pongRx.PollRecv(t)
			if !ok {
				return sched.Pending()
			}
			if err != nil {
				return sched.Done(err)
			}
			n, p.Last, sending = v, v, true
		}
		return sched.Done(nil)
	}
}

// Ponger returns the answering side's body. It finishes when the pinger
// closes its channel.
func (p *PingPong) Ponger() sched.Func {
	var (
		reply   int
		replied = true
	)
	return func(t *sched.Task) sched.Poll {
		for {
			if replied {
				v, ok, err := p.pingRx.PollRecv(t)
				if !ok {
					return sched.Pending()
				}
				if err == io.EOF {
					return sched.Done(nil)
				}
				if err != nil {
					return sched.Done(err)
				}
				reply, replied = v+1, false
			}
			sent, err := p.pongTx.PollSend(t, reply)
			if err != nil {
				return sched.Done(err)
			}
			if !sent {
				return sched.Pending()
			}
			replied = true
		}
	}
}

// ClosePing closes the pinger's sending half.
func (p *PingPong) ClosePing() { p.pingTx.Close() }

// ClosePong closes the ponger's sending half.
func (p *PingPong) ClosePong() { p.pongTx.Close() }
