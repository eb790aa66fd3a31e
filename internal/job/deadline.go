package job

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"shardrun/internal/sched"
)

// DeadlineWriter writes one numbered line to w every interval until the
// task is cancelled, normally by a deadline set with sched.WithTimeout.
// Written counts the lines so far.
type DeadlineWriter struct {
	W        io.Writer
	Interval time.Duration
	Written  int

	tick *sched.Timer
}

// Func returns the task body.
func (d *DeadlineWriter) Func() sched.Func {
	return func(t *sched.Task) sched.Poll {
		for {
			if d.tick != nil {
				fired, err := d.tick.Poll(t)
				if err != nil {
					return sched.Done(err)
				}
				if !fired {
					return sched.Pending()
				}
			}
			if _, err := fmt.Fprintf(d.W, "line %d at %s\n", d.Written, t.Now()); err != nil {
				return sched.Done(errors.Wrap(err, "deadline writer"))
			}
			d.Written++
			d.tick = sched.NewTimer(d.Interval)
		}
	}
}
