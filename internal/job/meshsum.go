package job

import (
	"go.uber.org/zap"

	"shardrun/internal/mesh"
	"shardrun/internal/sched"
)

// MeshSum is the body each shard runs in the mesh demo: join m, send
// Value to every peer, then add up what every peer sent.
type MeshSum struct {
	Mesh  *mesh.Full[int]
	Value int
	Sum   int

	conn *mesh.Conn[int]
	sent int
	recv int
}

func (s *MeshSum) Func() sched.Func {
	return func(t *sched.Task) sched.Poll {
		if s.conn == nil {
			c, err := s.Mesh.Join(t.Executor().ID())
			if err != nil {
				return sched.Done(err)
			}
			s.conn = c
			c.CloseOnExit(t)
		}

		peers := s.conn.Peers()
		for ; s.sent < len(peers); s.sent++ {
			ok, err := s.conn.PollSendTo(t, peers[s.sent], s.Value)
			if err != nil {
				return sched.Done(err)
			}
			if !ok {
				return sched.Pending()
			}
		}
		for ; s.recv < len(peers); s.recv++ {
			v, ok, err := s.conn.PollRecvFrom(t, peers[s.recv])
			if !ok {
				return sched.Pending()
			}
			if err != nil {
				return sched.Done(err)
			}
			s.Sum += v
		}

		t.Executor().Logger().Debug("mesh exchange done", zap.String("mesh", s.Mesh.Name()), zap.Int("sum", s.Sum))
		return sched.Done(nil)
	}
}
