package main

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"shardrun/internal/sched"
)

// options are the flags shared by every subcommand. Flags that were set
// explicitly override the config file.
type options struct {
	configPath string
	shards     int
	weights    []int
	quantumMS  int
	events     string
	debug      bool
}

func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}
	rc := &cobra.Command{
		Use:   "shardrun",
		Short: "Thread-per-core cooperative task runtime demos.",
		Long: `shardrun runs a set of demonstration workloads on a pool of
single-threaded shard executors. Each shard owns its tasks, its weighted
run queues and its timers; shards talk to each other only through the
channel mesh.
`,
		SilenceUsage: true,
	}
	flags := rc.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "shardrun.yml", "Configuration file to read from.")
	flags.IntVar(&opts.shards, "shards", 0, "Number of shards (overrides config).")
	flags.IntSliceVar(&opts.weights, "weights", nil, "Priority class weights, class 0 first (overrides config).")
	flags.IntVar(&opts.quantumMS, "quantum-ms", 0, "Scheduling quantum in milliseconds (overrides config).")
	flags.StringVar(&opts.events, "events", "", "Write every scheduler event to this CSV file.")
	flags.BoolVar(&opts.debug, "debug", false, "Log at debug level, including every scheduler event.")

	rc.AddCommand(newSleepCommand(opts, stdout))
	rc.AddCommand(newEchoCommand(opts, stdout))
	rc.AddCommand(newPingPongCommand(opts, stdout))
	rc.AddCommand(newDeferCommand(opts, stdout))
	rc.AddCommand(newHogCommand(opts, stdout))
	rc.AddCommand(newDeadlineCommand(opts, stdout))
	rc.AddCommand(newStorageCommand(opts, stdout))
	rc.AddCommand(newMeshCommand(opts, stdout))
	rc.AddCommand(newHTTPCommand(opts, stdout))
	rc.AddCommand(newGateCommand(opts, stdout))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// env is what a subcommand gets after flags and config are resolved.
type env struct {
	cfg    sched.Config
	logger *zap.Logger
	rec    sched.Recorders
	csv    *sched.CSVRecorder
}

func (o *options) setup(cmd *cobra.Command) (*env, error) {
	cfg, err := sched.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("shards") {
		cfg.Shards = o.shards
	}
	if cmd.Flags().Changed("weights") {
		cfg.Weights = o.weights
	}
	if cmd.Flags().Changed("quantum-ms") {
		cfg.QuantumMS = o.quantumMS
	}
	cfg.Clamp()

	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if o.debug {
		zc.Level.SetLevel(zapcore.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}

	rt := &env{cfg: cfg, logger: logger}
	if o.debug {
		rt.rec = append(rt.rec, sched.EventLog{Logger: logger})
	}
	if o.events != "" {
		rt.csv, err = sched.NewCSVRecorder(o.events, cfg.EventBuffer)
		if err != nil {
			return nil, err
		}
		rt.rec = append(rt.rec, rt.csv)
	}
	logger.Debug("configuration loaded", zap.Any("config", cfg))
	return rt, nil
}

func (rt *env) pool(extra ...sched.Recorder) *sched.Pool {
	recs := append(append(sched.Recorders(nil), rt.rec...), extra...)
	return sched.NewPool(rt.cfg, sched.WithLogger(rt.logger), sched.WithRecorder(recs))
}

func (rt *env) close() {
	if rt.csv != nil {
		if err := rt.csv.Close(); err != nil {
			rt.logger.Error("closing event log", zap.Error(err))
		} else if n := rt.csv.Dropped(); n > 0 {
			rt.logger.Warn("event log dropped events", zap.Int64("dropped", n))
		}
	}
	_ = rt.logger.Sync()
}

// signalContext is cancelled on interrupt.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}

// runPool runs p until every shard is idle or the user interrupts, and
// maps an interrupt to a clean exit.
func runPool(ctx context.Context, p *sched.Pool, untilIdle bool) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	var err error
	if untilIdle {
		err = p.RunUntilIdle(ctx)
	} else {
		err = p.Run(ctx)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
