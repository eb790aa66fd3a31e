package sched

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EventLog writes every status event to a logger at debug level.
type EventLog struct {
	Logger *zap.Logger
}

func (l EventLog) Record(ev StatusEvent) {
	if ce := l.Logger.Check(zap.DebugLevel, "sched event"); ce != nil {
		ce.Write(
			zap.Int("shard", int(ev.Shard)),
			zap.Stringer("kind", ev.Kind),
			zap.Uint64("task", uint64(ev.TaskID)),
			zap.Int("class", int(ev.Class)),
			zap.Duration("at", ev.Time),
			zap.Duration("ran", ev.RunTime),
			zap.Error(ev.Err),
		)
	}
}

// CSVRecorder writes status events to a CSV file. Records are handed to a
// writer goroutine so the shard never waits on the file; when the buffer is
// full, events are dropped and counted.
type CSVRecorder struct {
	ch      chan StatusEvent
	file    *os.File
	writer  *csv.Writer
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
}

// NewCSVRecorder creates path and starts the writer goroutine.
func NewCSVRecorder(path string, buffer int) (*CSVRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "creating event log")
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"time_ns", "shard", "event", "task_id", "class", "ran_ns", "error"}); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "writing event log header")
	}

	r := &CSVRecorder{
		ch:     make(chan StatusEvent, buffer),
		file:   f,
		writer: w,
		done:   make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

func (r *CSVRecorder) Record(ev StatusEvent) {
	select {
	case r.ch <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events did not fit in the buffer.
func (r *CSVRecorder) Dropped() int64 { return r.dropped.Load() }

func (r *CSVRecorder) loop() {
	defer close(r.done)
	for ev := range r.ch {
		errText := ""
		if ev.Err != nil {
			errText = ev.Err.Error()
		}
		r.writer.Write([]string{
			strconv.FormatInt(int64(ev.Time), 10),
			strconv.Itoa(int(ev.Shard)),
			ev.Kind.String(),
			strconv.FormatUint(uint64(ev.TaskID), 10),
			strconv.Itoa(int(ev.Class)),
			strconv.FormatInt(int64(ev.RunTime), 10),
			errText,
		})
	}
}

// Close flushes pending events and closes the file. Record must not be
// called after Close.
func (r *CSVRecorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.ch)
		<-r.done
		r.writer.Flush()
		if err = r.writer.Error(); err != nil {
			r.file.Close()
			return
		}
		err = r.file.Close()
	})
	return err
}
