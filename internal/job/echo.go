package job

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"shardrun/internal/gate"
	"shardrun/internal/sched"
)

// EchoServer accepts connections on a listener and echoes every byte back.
// Accept, read and write run as blocking offloads; each connection is a
// task holding a pass on Gate, so closing the gate waits for open
// connections to drain.
type EchoServer struct {
	Listener net.Listener
	Gate     *gate.Gate
	BufSize  int

	armed  bool
	accept *sched.Op[net.Conn]
}

func (s *EchoServer) Func() sched.Func {
	if s.Gate == nil {
		s.Gate = gate.New()
	}
	if s.BufSize <= 0 {
		s.BufSize = 4096
	}
	ln := s.Listener
	return func(t *sched.Task) sched.Poll {
		if !s.armed {
			s.armed = true
			// unblocks a pending Accept when the server task goes away
			t.Defer(func() { ln.Close() })
		}
		log := t.Executor().Logger()
		for {
			if s.accept == nil {
				s.accept = sched.Blocking(t, func(context.Context) (net.Conn, error) { return ln.Accept() })
			}
			conn, done, err := s.accept.Poll(t)
			if !done {
				return sched.Pending()
			}
			s.accept = nil
			if err != nil {
				return sched.Done(errors.Wrap(err, "accept"))
			}

			log.Debug("connection accepted", zap.Stringer("remote", conn.RemoteAddr()))
			_, err = gate.Spawn(t.Executor(), t.Class(), s.Gate, s.serve(conn),
				sched.WithCleanup(func() { conn.Close() }))
			if err != nil {
				conn.Close()
				log.Warn("connection refused", zap.Error(err))
			}
		}
	}
}

func (s *EchoServer) serve(conn net.Conn) sched.Func {
	var (
		read    *sched.Op[[]byte]
		write   *sched.Op[int]
		readErr error
	)
	size := s.BufSize
	return func(t *sched.Task) sched.Poll {
		for {
			if write != nil {
				_, done, err := write.Poll(t)
				if !done {
					return sched.Pending()
				}
				write = nil
				if err != nil {
					return sched.Done(errors.Wrap(err, "echo write"))
				}
			}
			if readErr != nil {
				// EOF or a reset: the peer is gone
				return sched.Done(nil)
			}

			if read == nil {
				read = sched.Blocking(t, func(context.Context) ([]byte, error) {
					buf := make([]byte, size)
					n, err := conn.Read(buf)
					return buf[:n], err
				})
			}
			data, done, err := read.Poll(t)
			if !done {
				return sched.Pending()
			}
			read, readErr = nil, err
			if len(data) > 0 {
				write = sched.Blocking(t, func(context.Context) (int, error) { return conn.Write(data) })
			}
		}
	}
}
