package job

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"shardrun/internal/sched"
)

// CleanupLog collects the messages written by deferred functions.
type CleanupLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *CleanupLog) add(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

// Lines returns a copy of what was logged so far.
func (l *CleanupLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// DeferDemo spawns three children that each register two deferred
// functions. One completes, one panics, and the last is cancelled while parked.
// It waits for all three and shows that every cleanup ran, newest first.
func DeferDemo(log *CleanupLog, logger *zap.Logger) sched.Func {
	var (
		children  []*sched.Handle
		cancelled bool
		joined    int
	)
	return func(t *sched.Task) sched.Poll {
		switch {
		case children == nil:
			bodies := map[string]sched.Func{
				"completes": func(*sched.Task) sched.Poll { return sched.Done(nil) },
				"panics":    func(*sched.Task) sched.Poll { panic("child failure") },
				"parks":     func(*sched.Task) sched.Poll { return sched.Pending() },
			}
			for _, name := range []string{"completes", "panics", "parks"} {
				name, body := name, bodies[name]
				h, err := t.Spawn(t.Class(), func(c *sched.Task) sched.Poll {
					c.Defer(func() { log.add("%s: outer cleanup", name) })
					c.Defer(func() { log.add("%s: inner cleanup", name) })
					return body(c)
				})
				if err != nil {
					return sched.Done(err)
				}
				children = append(children, h)
			}
			return sched.Yield()
		case !cancelled:
			// the children have all run once by now
			children[2].Cancel()
			cancelled = true
		}

		for ; joined < len(children); joined++ {
			h := children[joined]
			done, err := h.PollJoin(t)
			if !done {
				return sched.Pending()
			}
			logger.Info("child finished", zap.Uint64("task", uint64(h.ID())), zap.Error(err))
		}
		return sched.Done(nil)
	}
}
