package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shardrun/internal/job"
	"shardrun/internal/mesh"
	"shardrun/internal/metrics"
	"shardrun/internal/sched"
)

func newSleepCommand(opts *options, stdout io.Writer) *cobra.Command {
	var tasks int
	var ms int64
	cmd := &cobra.Command{
		Use:   "sleep",
		Short: "Spawn sleeping tasks spread over every shard and class.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			p := rt.pool()
			var handles []*sched.Handle
			for i := 0; i < tasks; i++ {
				e := p.Shards()[i%len(p.Shards())]
				class := sched.Class(i % len(rt.cfg.Weights))
				h, err := e.Spawn(class, job.SleepWork(ms*int64(i%4+1)))
				if err != nil {
					return err
				}
				handles = append(handles, h)
			}
			if err := runPool(cmd.Context(), p, true); err != nil {
				return err
			}
			for _, h := range handles {
				fmt.Fprintf(stdout, "shard %d task %d: err=%v\n", h.Shard(), h.ID(), h.Err())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tasks, "tasks", 8, "Number of sleepers.")
	cmd.Flags().Int64Var(&ms, "ms", 100, "Base sleep in milliseconds.")
	return cmd
}

func newEchoCommand(opts *options, stdout io.Writer) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Run a TCP echo server; every connection is a gated task.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			p := rt.pool()
			for _, e := range p.Shards() {
				// one listener per shard
				ln, err := listenReusePort(cmd.Context(), addr)
				if err != nil {
					return errors.Wrapf(err, "listening on %s", addr)
				}
				srv := &job.EchoServer{Listener: ln}
				if _, err := e.Spawn(0, srv.Func()); err != nil {
					return err
				}
				rt.logger.Info("echo listening", zap.Int("shard", int(e.ID())), zap.Stringer("addr", ln.Addr()))
			}
			return runPool(cmd.Context(), p, false)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7007", "Listen address.")
	return cmd
}

func newPingPongCommand(opts *options, stdout io.Writer) *cobra.Command {
	var rounds int
	cmd := &cobra.Command{
		Use:   "pingpong",
		Short: "Bounce a counter between two shards over the channel mesh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			if rt.cfg.Shards < 2 {
				rt.cfg.Shards = 2
			}

			p := rt.pool()
			pp, err := job.NewPingPong(rounds, rt.cfg.MeshCapacity)
			if err != nil {
				return err
			}
			start := time.Now()
			if _, err := p.Shard(0).Spawn(0, pp.Pinger(), sched.WithCleanup(pp.ClosePing)); err != nil {
				return err
			}
			if _, err := p.Shard(1).Spawn(0, pp.Ponger(), sched.WithCleanup(pp.ClosePong)); err != nil {
				return err
			}
			if err := runPool(cmd.Context(), p, true); err != nil {
				return err
			}
			elapsed := time.Since(start)
			fmt.Fprintf(stdout, "%d round trips in %s (%s each)\n", pp.Last, elapsed, elapsed/time.Duration(max(pp.Last, 1)))
			return nil
		},
	}
	cmd.Flags().IntVar(&rounds, "rounds", 100000, "Round trips.")
	return cmd
}

func newDeferCommand(opts *options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "defer",
		Short: "Show deferred cleanups running on completion, fault and cancellation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			e := sched.New(0, rt.cfg, sched.WithLogger(rt.logger), sched.WithRecorder(rt.rec))
			var log job.CleanupLog
			h, err := e.Spawn(0, job.DeferDemo(&log, rt.logger))
			if err != nil {
				return err
			}
			if err := e.RunUntilIdle(cmd.Context()); err != nil {
				return err
			}
			for _, line := range log.Lines() {
				fmt.Fprintln(stdout, line)
			}
			return h.Err()
		},
	}
}

func newHogCommand(opts *options, stdout io.Writer) *cobra.Command {
	var units int
	var unit time.Duration
	cmd := &cobra.Command{
		Use:   "hog",
		Short: "Run a CPU-bound task that yields at the quantum next to a latency sampler.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			e := sched.New(0, rt.cfg, sched.WithLogger(rt.logger), sched.WithRecorder(rt.rec))
			var res job.HogResult
			if _, err := e.Spawn(0, job.Hog(units, job.Spin(unit), &res)); err != nil {
				return err
			}

			// the sampler asks for 1ms sleeps and records how late it wakes
			var (
				worst time.Duration
				tick  *sched.Timer
				armed time.Duration
			)
			_, err = e.Spawn(0, func(t *sched.Task) sched.Poll {
				for res.Units < units {
					if tick == nil {
						tick, armed = sched.NewTimer(time.Millisecond), t.Now()
					}
					if fired, _ := tick.Poll(t); !fired {
						return sched.Pending()
					}
					if lag := t.Now() - armed - time.Millisecond; lag > worst {
						worst = lag
					}
					tick = nil
				}
				return sched.Done(nil)
			})
			if err != nil {
				return err
			}
			if err := e.RunUntilIdle(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "units=%d steps=%d yields=%d longest step=%s worst sampler lag=%s\n",
				res.Units, res.Steps, res.Yields, res.Longest, worst)
			return nil
		},
	}
	cmd.Flags().IntVar(&units, "units", 2000, "Work units.")
	cmd.Flags().DurationVar(&unit, "unit", time.Millisecond, "Length of one work unit.")
	return cmd
}

func newDeadlineCommand(opts *options, stdout io.Writer) *cobra.Command {
	var every, deadline time.Duration
	cmd := &cobra.Command{
		Use:   "deadline",
		Short: "Write lines until a task deadline cancels the writer.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			e := sched.New(0, rt.cfg, sched.WithLogger(rt.logger), sched.WithRecorder(rt.rec))
			w := &job.DeadlineWriter{W: stdout, Interval: every}
			h, err := e.Spawn(0, w.Func(), sched.WithTimeout(deadline))
			if err != nil {
				return err
			}
			if err := e.RunUntilIdle(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "wrote %d lines: %v\n", w.Written, h.Err())
			return nil
		},
	}
	cmd.Flags().DurationVar(&every, "every", 100*time.Millisecond, "Interval between lines.")
	cmd.Flags().DurationVar(&deadline, "deadline", time.Second, "Task deadline.")
	return cmd
}

func newStorageCommand(opts *options, stdout io.Writer) *cobra.Command {
	b := &job.StorageBench{}
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Benchmark bolt puts issued through blocking offloads.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			if b.Path == "" {
				dir, err := os.MkdirTemp("", "shardrun-bench")
				if err != nil {
					return errors.Wrap(err, "creating bench dir")
				}
				defer os.RemoveAll(dir)
				b.Path = dir + "/bench.db"
			}
			e := sched.New(0, rt.cfg, sched.WithLogger(rt.logger), sched.WithRecorder(rt.rec))
			h, err := e.Spawn(0, b.Func())
			if err != nil {
				return err
			}
			if err := e.RunUntilIdle(cmd.Context()); err != nil {
				return err
			}
			if err := h.Err(); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%d keys in %s (%.0f keys/s)\n", b.Written, b.Elapsed, float64(b.Written)/b.Elapsed.Seconds())
			return nil
		},
	}
	cmd.Flags().StringVar(&b.Path, "path", "", "Bolt file (default: a temp file).")
	cmd.Flags().IntVar(&b.Keys, "keys", 100000, "Keys to write.")
	cmd.Flags().IntVar(&b.Batch, "batch", 1000, "Puts per transaction.")
	cmd.Flags().IntVar(&b.ValueSize, "value-size", 64, "Value size in bytes.")
	return cmd
}

func newMeshCommand(opts *options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "mesh",
		Short: "Every shard sends to every peer over a full mesh and sums what it gets.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			p := rt.pool()
			m, err := mesh.NewFull[int]("sum", p.IDs(), rt.cfg.MeshCapacity)
			if err != nil {
				return err
			}
			var bodies []*job.MeshSum
			for _, e := range p.Shards() {
				s := &job.MeshSum{Mesh: m, Value: int(e.ID()) + 1}
				bodies = append(bodies, s)
				if _, err := e.Spawn(0, s.Func()); err != nil {
					return err
				}
			}
			if err := runPool(cmd.Context(), p, true); err != nil {
				return err
			}
			for i, s := range bodies {
				fmt.Fprintf(stdout, "shard %d received %d\n", i, s.Sum)
			}
			return nil
		},
	}
}

func newHTTPCommand(opts *options, stdout io.Writer) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "http",
		Short: "Serve HTTP requests by submitting tasks to the shards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			reg := prometheus.NewRegistry()
			rec, err := metrics.NewRecorder(reg)
			if err != nil {
				return err
			}
			p := rt.pool(rec)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			srv := &http.Server{Addr: addr, Handler: job.NewHandler(p, reg, rt.logger)}
			go func() {
				<-ctx.Done()
				shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				srv.Shutdown(shutdown)
			}()
			go func() {
				rt.logger.Info("http listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					rt.logger.Error("http server", zap.Error(err))
					cancel()
				}
			}()
			return runPool(ctx, p, false)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "Listen address.")
	return cmd
}

func newGateCommand(opts *options, stdout io.Writer) *cobra.Command {
	d := &job.GateDemo{}
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Close a gate while guarded workers are still running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			e := sched.New(0, rt.cfg, sched.WithLogger(rt.logger), sched.WithRecorder(rt.rec))
			h, err := e.Spawn(0, d.Func())
			if err != nil {
				return err
			}
			if err := e.RunUntilIdle(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "gate closed at %s, late enter: %v\n", d.ClosedAt, d.LateErr)
			return h.Err()
		},
	}
	cmd.Flags().IntVar(&d.Workers, "workers", 4, "Guarded workers.")
	cmd.Flags().DurationVar(&d.Work, "work", 50*time.Millisecond, "Work unit; worker i sleeps i units.")
	return cmd
}

func listenReusePort(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reusePort}
	return lc.Listen(ctx, "tcp", addr)
}
