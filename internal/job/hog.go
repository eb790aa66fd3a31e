package job

import (
	"time"

	"shardrun/internal/sched"
)

// HogResult is filled in by a Hog as it runs.
type HogResult struct {
	Units   int
	Steps   int
	Yields  int
	Longest time.Duration // longest single step
}

// Hog runs units calls of unit, yielding whenever the shard says the step
// has used up its quantum. It measures how well a CPU-bound task shares the
// shard with everything else.
func Hog(units int, unit func(), res *HogResult) sched.Func {
	return func(t *sched.Task) sched.Poll {
		res.Steps++
		start := t.Now()
		defer func() {
			if ran := t.Now() - start; ran > res.Longest {
				res.Longest = ran
			}
		}()

		for res.Units < units {
			unit()
			res.Units++
			if t.ShouldYield() {
				res.Yields++
				return sched.Yield()
			}
		}
		return sched.Done(nil)
	}
}

// Spin returns a unit of work that burns the CPU for roughly d.
func Spin(d time.Duration) func() {
	return func() {
		for start := time.Now(); time.Since(start) < d; {
		}
	}
}
