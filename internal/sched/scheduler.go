// internal/sched/scheduler.go

package sched

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ShardID identifies one executor.
type ShardID int

// Executor is one shard: a cooperative, single-threaded run loop that owns
// its tasks, run queues and timer service. Everything except Submit,
// Handle, Waker and Close must be used from the shard's own thread (inside
// a task) or before Run starts.
type Executor struct {
	id      ShardID
	cfg     Config
	clock   Clock
	logger  *zap.Logger
	rec     Recorder
	quantum time.Duration
	maxPark time.Duration
	cpu     int // -1 leaves the thread unpinned

	rq        *runQueue
	timers    *Timers
	tasks     map[TaskID]*Task
	current   *Task
	fatal     error
	wakeSpare []TaskID

	nextID   atomic.Uint64
	running  atomic.Bool
	in       ingress
	wakeCh   chan struct{}
	blocking *semaphore.Weighted

	stats stats
}

// ingress collects work handed to the shard from other threads. The loop
// swaps the slices out under the lock and processes them without it.
type ingress struct {
	mu     sync.Mutex
	closed bool
	wakes  []TaskID
	spawns []*Task
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock replaces the wall clock, e.g. with a SimClock in tests.
func WithClock(c Clock) Option { return func(e *Executor) { e.clock = c } }

// WithLogger sets the shard logger.
func WithLogger(l *zap.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithRecorder sets the status event recorder.
func WithRecorder(r Recorder) Option { return func(e *Executor) { e.rec = r } }

// WithCPU pins the shard's thread to cpu while it runs.
func WithCPU(cpu int) Option { return func(e *Executor) { e.cpu = cpu } }

// New creates a shard executor with the given configuration.
func New(id ShardID, cfg Config, opts ...Option) *Executor {
	cfg.Clamp()
	e := &Executor{
		id:       id,
		cfg:      cfg,
		clock:    NewWallClock(),
		logger:   zap.NewNop(),
		quantum:  cfg.Quantum(),
		maxPark:  cfg.MaxPark(),
		cpu:      -1,
		rq:       newRunQueue(cfg.Weights),
		timers:   NewTimers(),
		tasks:    make(map[TaskID]*Task),
		wakeCh:   make(chan struct{}, 1),
		blocking: semaphore.NewWeighted(int64(cfg.BlockingThreads)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.Int("shard", int(id)))
	return e
}

// ID returns the shard id.
func (e *Executor) ID() ShardID { return e.id }

// Config returns the configuration the shard was built with.
func (e *Executor) Config() Config { return e.cfg }

// Logger returns the shard logger.
func (e *Executor) Logger() *zap.Logger { return e.logger }

// Now returns the shard's virtual time.
func (e *Executor) Now() time.Duration { return e.clock.Now() }

// Timers exposes the shard's timer service.
func (e *Executor) Timers() *Timers { return e.timers }

// SpawnOption configures a task at spawn time.
type SpawnOption func(t *Task)

// WithDeadline cancels the task cooperatively once virtual time reaches at.
func WithDeadline(at time.Duration) SpawnOption {
	return func(t *Task) {
		t.deadline = at
		t.hasDeadline = true
	}
}

// WithTimeout is WithDeadline relative to the spawn time.
func WithTimeout(d time.Duration) SpawnOption {
	return func(t *Task) {
		t.deadline = t.exec.clock.Now() + d
		t.hasDeadline = true
	}
}

// WithCleanup registers fn as the task's first deferred function, so it runs
// even if the task is cancelled before its first step.
func WithCleanup(fn func()) SpawnOption {
	return func(t *Task) { t.Defer(fn) }
}

// Spawn creates a task in class and queues it. It must be called from the
// shard's thread or before Run; other goroutines use Submit. Spawning after
// Close fails with ErrShardShuttingDown.
func (e *Executor) Spawn(class Class, fn Func, opts ...SpawnOption) (*Handle, error) {
	if fn == nil {
		return nil, errors.New("spawn: nil task func")
	}
	if e.Closing() {
		return nil, ErrShardShuttingDown
	}
	t := e.newTask(class, fn, opts)
	e.admit(t)
	if e.fatal != nil {
		return nil, e.fatal
	}
	return t.handle, nil
}

// Submit is Spawn for callers outside the shard. The task is admitted on
// the shard's next loop iteration.
func (e *Executor) Submit(class Class, fn Func, opts ...SpawnOption) (*Handle, error) {
	if fn == nil {
		return nil, errors.New("submit: nil task func")
	}
	t := e.newTask(class, fn, opts)

	e.in.mu.Lock()
	if e.in.closed {
		e.in.mu.Unlock()
		return nil, ErrShardShuttingDown
	}
	e.in.spawns = append(e.in.spawns, t)
	e.in.mu.Unlock()

	e.signal()
	return t.handle, nil
}

// Close starts shutdown: new spawns are rejected and Run returns once every
// live task has terminated.
func (e *Executor) Close() {
	e.in.mu.Lock()
	already := e.in.closed
	e.in.closed = true
	e.in.mu.Unlock()

	if !already {
		e.logger.Info("shard shutting down")
	}
	e.signal()
}

// Closing reports whether Close has been called.
func (e *Executor) Closing() bool {
	e.in.mu.Lock()
	defer e.in.mu.Unlock()
	return e.in.closed
}

// Run drives the shard until it is closed and idle, ctx is done, or a
// scheduler invariant is violated. On ctx cancellation every live task is
// cancelled (its deferred functions run) and ctx.Err() is returned.
func (e *Executor) Run(ctx context.Context) error {
	return e.run(ctx, false)
}

// RunUntilIdle drives the shard until no task is live.
func (e *Executor) RunUntilIdle(ctx context.Context) error {
	return e.run(ctx, true)
}

func (e *Executor) run(ctx context.Context, untilIdle bool) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	// one shard, one thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if e.cpu >= 0 {
		if err := pinThread(e.cpu); err != nil {
			e.logger.Warn("could not pin shard thread", zap.Int("cpu", e.cpu), zap.Error(err))
		}
	}

	e.logger.Debug("shard running", zap.Ints("weights", e.cfg.Weights), zap.Duration("quantum", e.quantum))
	for {
		// 1) check shutdown
		if err := ctx.Err(); err != nil {
			e.abort()
			e.logger.Info("shard stopped", zap.Error(err))
			return err
		}

		// 2) fire expired timers
		if n := e.timers.Expire(e.clock.Now()); n > 0 {
			e.stats.timersFired.Add(int64(n))
			e.record(StatusTimer, nil, 0, nil)
		}

		// 3) reconcile wakes and submissions from other threads
		e.drainIngress()
		if e.fatal != nil {
			return e.halted()
		}

		// 4) run one task step
		t, err := e.rq.pop()
		if err != nil {
			e.halt(err)
			return e.halted()
		}
		if t != nil {
			e.runOne(t)
			if e.fatal != nil {
				return e.halted()
			}
			continue
		}

		// 5) nothing runnable: exit or park
		if len(e.tasks) == 0 && e.idleExit(untilIdle) {
			e.logger.Debug("shard idle")
			return nil
		}
		e.park(ctx)
	}
}

func (e *Executor) newTask(class Class, fn Func, opts []SpawnOption) *Task {
	t := newTask(e, TaskID(e.nextID.Add(1)), class, fn)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (e *Executor) admit(t *Task) {
	e.tasks[t.id] = t
	e.stats.spawned.Add(1)
	e.stats.live.Add(1)
	if t.hasDeadline {
		e.armFor(t, t.deadline, func() {
			t.cancelMsg = "deadline exceeded"
			t.cancelReq.Store(true)
			e.wakeLocal(t.id)
		})
	}
	e.record(StatusEnqueue, t, 0, nil)
	e.push(t)
}

func (e *Executor) runOne(t *Task) {
	if t.cancelReq.Load() {
		e.teardown(t, StateCancelled, StatusCancel, cancelError(t.id, t.cancelMsg))
		return
	}

	e.stats.dispatches.Add(1)
	e.record(StatusDispatch, t, 0, nil)

	e.current = t
	t.notified = false
	t.shouldYield = false
	t.runStart = e.clock.Now()
	p, fault := e.step(t)
	ran := e.clock.Now() - t.runStart
	e.current = nil

	if ran >= e.quantum {
		e.stats.preempts.Add(1)
		e.record(StatusPreempt, t, ran, nil)
		e.logger.Warn("task ran past its quantum",
			zap.Uint64("task", uint64(t.id)),
			zap.Duration("ran", ran),
			zap.Duration("quantum", e.quantum))
	}

	if fault != nil {
		if inv, ok := fault.(*InvariantError); ok {
			e.halt(inv)
			return
		}
		e.stats.faulted.Add(1)
		e.logger.Error("task faulted", zap.Uint64("task", uint64(t.id)), zap.Error(fault))
		e.teardown(t, StateCompleted, StatusFault, fault)
		return
	}

	switch p.kind {
	case pollDone:
		e.stats.completed.Add(1)
		e.teardown(t, StateCompleted, StatusFinish, p.err)
	case pollYield:
		if t.cancelReq.Load() {
			e.teardown(t, StateCancelled, StatusCancel, cancelError(t.id, t.cancelMsg))
			return
		}
		e.stats.yields.Add(1)
		e.record(StatusYield, t, ran, nil)
		e.push(t)
	case pollPending:
		if t.cancelReq.Load() {
			e.teardown(t, StateCancelled, StatusCancel, cancelError(t.id, t.cancelMsg))
			return
		}
		if t.notified {
			e.record(StatusYield, t, ran, nil)
			e.push(t)
			return
		}
		e.stats.suspends.Add(1)
		e.record(StatusSuspend, t, ran, nil)
		e.transition(t, StateSuspended)
	}
}

// step runs one call of the task body, converting a panic into a fault.
func (e *Executor) step(t *Task) (p Poll, fault error) {
	defer func() {
		if r := recover(); r != nil {
			if inv, ok := r.(*InvariantError); ok {
				fault = inv
				return
			}
			fault = faultError(t.id, r)
		}
	}()
	return t.fn(t), nil
}

// teardown cancels the task's timers, runs its deferred functions and
// resolves its handle.
func (e *Executor) teardown(t *Task, state State, kind StatusKind, err error) {
	for id := range t.timers {
		e.timers.Cancel(id)
		delete(t.timers, id)
	}
	for i := len(t.cleanups) - 1; i >= 0; i-- {
		e.runCleanup(t, t.cleanups[i])
	}
	t.cleanups = nil

	e.transition(t, state)
	delete(e.tasks, t.id)
	e.stats.live.Add(-1)
	if state == StateCancelled {
		e.stats.cancelled.Add(1)
	}
	e.record(kind, t, 0, err)
	t.handle.finish(err)
}

func (e *Executor) runCleanup(t *Task, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if inv, ok := r.(*InvariantError); ok {
				e.halt(inv)
				return
			}
			e.logger.Error("task cleanup panicked", zap.Uint64("task", uint64(t.id)), zap.Any("panic", r))
		}
	}()
	fn()
}

func (e *Executor) transition(t *Task, to State) {
	if !isAllowedTransition(t.state, to) {
		e.halt(Invariant("task %d: disallowed transition %s -> %s", t.id, t.state, to))
		return
	}
	t.state = to
}

func (e *Executor) push(t *Task) {
	if err := e.rq.push(t); err != nil {
		e.halt(err)
	}
}

// wake is the thread-safe path: the id is handed to the loop through ingress.
func (e *Executor) wake(id TaskID) {
	e.in.mu.Lock()
	e.in.wakes = append(e.in.wakes, id)
	e.in.mu.Unlock()
	e.signal()
}

// wakeLocal makes a suspended task runnable. Shard thread only.
func (e *Executor) wakeLocal(id TaskID) {
	t, ok := e.tasks[id]
	if !ok {
		return
	}
	if t == e.current {
		t.notified = true
		return
	}
	if t.state != StateSuspended {
		return
	}
	e.transition(t, StateRunnable)
	e.record(StatusWake, t, 0, nil)
	e.push(t)
}

func (e *Executor) signal() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *Executor) drainIngress() {
	e.in.mu.Lock()
	spawns := e.in.spawns
	e.in.spawns = nil
	wakes := e.in.wakes
	e.in.wakes = e.wakeSpare
	e.in.mu.Unlock()

	for _, t := range spawns {
		e.admit(t)
	}
	for _, id := range wakes {
		e.wakeLocal(id)
	}
	e.wakeSpare = wakes[:0]
}

func (e *Executor) idleExit(untilIdle bool) bool {
	e.in.mu.Lock()
	defer e.in.mu.Unlock()
	if len(e.in.spawns) > 0 || len(e.in.wakes) > 0 {
		return false
	}
	return untilIdle || e.in.closed
}

// park blocks until the nearest timer deadline, an external wake, or ctx.
func (e *Executor) park(ctx context.Context) {
	timeout := e.maxPark
	if next, ok := e.timers.NextDeadline(); ok {
		d := next - e.clock.Now()
		if d <= 0 {
			return
		}
		if sim, ok := e.clock.(*SimClock); ok {
			select {
			case <-e.wakeCh:
			default:
				sim.AdvanceTo(next)
			}
			return
		}
		if d < timeout {
			timeout = d
		}
	}

	e.record(StatusIdle, nil, 0, nil)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.wakeCh:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// abort cancels every live task after the run context ended.
func (e *Executor) abort() {
	e.in.mu.Lock()
	e.in.closed = true
	spawns := e.in.spawns
	e.in.spawns = nil
	e.in.mu.Unlock()

	// never admitted: no timers yet, but cleanups from WithCleanup still run
	for _, t := range spawns {
		for i := len(t.cleanups) - 1; i >= 0; i-- {
			e.runCleanup(t, t.cleanups[i])
		}
		t.cleanups = nil
		t.state = StateCancelled
		t.handle.finish(cancelError(t.id, "shard stopped"))
	}

	ids := make([]TaskID, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		t := e.tasks[id]
		t.queued = false
		e.teardown(t, StateCancelled, StatusCancel, cancelError(id, "shard stopped"))
	}
	e.rq = newRunQueue(e.cfg.Weights)
}

func (e *Executor) halt(err error) {
	if e.fatal != nil {
		return
	}
	e.fatal = err
	e.logger.Error("shard halted", zap.Error(err))
}

func (e *Executor) halted() error {
	e.in.mu.Lock()
	e.in.closed = true
	e.in.mu.Unlock()
	return e.fatal
}

func (e *Executor) armFor(t *Task, deadline time.Duration, fire func()) TimerID {
	var id TimerID
	id = e.timers.Arm(deadline, t.id, func() {
		delete(t.timers, id)
		fire()
	})
	t.timers[id] = struct{}{}
	return id
}

func (e *Executor) disarmFor(t *Task, id TimerID) {
	e.timers.Cancel(id)
	delete(t.timers, id)
}

func (e *Executor) record(kind StatusKind, t *Task, ran time.Duration, err error) {
	if e.rec == nil {
		return
	}
	ev := StatusEvent{
		Time:    e.clock.Now(),
		Shard:   e.id,
		Kind:    kind,
		RunTime: ran,
		Err:     err,
	}
	if t != nil {
		ev.TaskID = t.id
		ev.Class = t.class
	}
	e.rec.Record(ev)
}
