package job

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"shardrun/internal/gate"
	"shardrun/internal/sched"
)

// GateDemo starts Workers guarded workers, each sleeping Work times its
// index, then closes the gate. Closing waits for every worker; an Enter
// attempted after closing began must fail.
type GateDemo struct {
	Workers int
	Work    time.Duration

	ClosedAt time.Duration
	LateErr  error

	g       *gate.Gate
	started bool
}

func (d *GateDemo) Func() sched.Func {
	return func(t *sched.Task) sched.Poll {
		if !d.started {
			d.started = true
			d.g = gate.New()
			for i := 1; i <= d.Workers; i++ {
				if _, err := gate.Spawn(t.Executor(), t.Class(), d.g, sched.Sleep(time.Duration(i)*d.Work)); err != nil {
					return sched.Done(err)
				}
			}
			closed := d.g.PollClose(t)
			_, d.LateErr = d.g.Enter()
			if !errors.Is(d.LateErr, gate.ErrGateClosed) {
				return sched.Done(errors.New("gate admitted a pass while closing"))
			}
			if !closed {
				return sched.Pending()
			}
		} else if !d.g.PollClose(t) {
			return sched.Pending()
		}

		d.ClosedAt = t.Now()
		t.Executor().Logger().Info("gate closed",
			zap.Int("workers", d.Workers),
			zap.Duration("at", d.ClosedAt))
		return sched.Done(nil)
	}
}
