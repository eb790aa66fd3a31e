package sched

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool is a fixed set of shards, one thread each.
type Pool struct {
	cfg    Config
	shards []*Executor
}

// NewPool creates cfg.Shards executors with ids 0..n-1. When cfg.PinCPUs is
// set, shard i is pinned to CPU i modulo the CPU count.
func NewPool(cfg Config, opts ...Option) *Pool {
	cfg.Clamp()
	p := &Pool{cfg: cfg, shards: make([]*Executor, cfg.Shards)}
	for i := range p.shards {
		shardOpts := opts
		if cfg.PinCPUs {
			shardOpts = append(append([]Option(nil), opts...), WithCPU(i%runtime.NumCPU()))
		}
		p.shards[i] = New(ShardID(i), cfg, shardOpts...)
	}
	return p
}

// Shards returns the executors in id order.
func (p *Pool) Shards() []*Executor { return p.shards }

// Shard returns the executor with the given id.
func (p *Pool) Shard(id ShardID) *Executor { return p.shards[id] }

// IDs returns the shard ids in order.
func (p *Pool) IDs() []ShardID {
	ids := make([]ShardID, len(p.shards))
	for i, e := range p.shards {
		ids[i] = e.ID()
	}
	return ids
}

// Run runs every shard on its own goroutine and waits for all of them. The
// first shard to fail cancels the others.
func (p *Pool) Run(ctx context.Context) error {
	return p.run(ctx, (*Executor).Run)
}

// RunUntilIdle runs every shard until it has no live task.
func (p *Pool) RunUntilIdle(ctx context.Context) error {
	return p.run(ctx, (*Executor).RunUntilIdle)
}

func (p *Pool) run(ctx context.Context, fn func(*Executor, context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range p.shards {
		e := e
		g.Go(func() error { return fn(e, ctx) })
	}
	return g.Wait()
}

// Close closes every shard.
func (p *Pool) Close() {
	for _, e := range p.shards {
		e.Close()
	}
}
