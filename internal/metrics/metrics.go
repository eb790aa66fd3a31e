// Package metrics exports executor status events as prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"shardrun/internal/sched"
)

// Recorder is a sched.Recorder that counts events per shard and kind and
// observes how long each step ran.
type Recorder struct {
	events  *prometheus.CounterVec
	runTime *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them on reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardrun",
			Name:      "events_total",
			Help:      "Scheduler status events by shard and kind.",
		}, []string{"shard", "kind"}),
		runTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shardrun",
			Name:      "step_seconds",
			Help:      "Length of task steps that yielded, suspended or ran past the quantum.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"shard", "kind"}),
	}
	for _, c := range []prometheus.Collector{r.events, r.runTime} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) Record(ev sched.StatusEvent) {
	shard := strconv.Itoa(int(ev.Shard))
	kind := ev.Kind.String()
	r.events.WithLabelValues(shard, kind).Inc()

	switch ev.Kind {
	case sched.StatusYield, sched.StatusSuspend, sched.StatusPreempt:
		r.runTime.WithLabelValues(shard, kind).Observe(ev.RunTime.Seconds())
	}
}
