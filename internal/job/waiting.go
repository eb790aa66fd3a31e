package job

import (
	"time"

	"shardrun/internal/sched"
)

// SleepWork returns a task body that waits ms milliseconds of shard time.
// A cancelled sleeper stops at once; its timer is disarmed on teardown.
func SleepWork(ms int64) sched.Func {
	return sched.Sleep(time.Duration(ms) * time.Millisecond)
}
