package sched

import (
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// Config mirrors shardrun.yml.
type Config struct {
	Shards          int   `yaml:"shards"`           // number of executors in a Pool
	Weights         []int `yaml:"weights"`          // one weight per priority class, class 0 first
	QuantumMS       int   `yaml:"quantum_ms"`       // run time after which ShouldYield turns true
	MaxParkMS       int   `yaml:"max_park_ms"`      // upper bound on one idle park
	MeshCapacity    int   `yaml:"mesh_capacity"`    // per-channel capacity for meshes built from this config
	BlockingThreads int   `yaml:"blocking_threads"` // concurrent blocking offloads per shard
	PinCPUs         bool  `yaml:"pin_cpus"`         // pin shard threads to CPUs (linux only)
	EventBuffer     int   `yaml:"event_buffer"`     // queued events per CSV event log before drops
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Shards:          1,
		Weights:         []int{1},
		QuantumMS:       10,
		MaxParkMS:       10000,
		MeshCapacity:    64,
		BlockingThreads: 8,
		EventBuffer:     4096,
	}
}

// Load reads YAML and overrides defaults; empty path or a missing file means
// defaults only.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), errors.Wrapf(err, "parsing config %s", path)
	}
	cfg.Clamp()
	return cfg, nil
}

// Clamp replaces out-of-range values with their defaults.
func (c *Config) Clamp() {
	def := DefaultConfig()
	if c.Shards <= 0 {
		c.Shards = def.Shards
	}
	if len(c.Weights) == 0 {
		c.Weights = def.Weights
	}
	// the caller keeps its slice
	c.Weights = append([]int(nil), c.Weights...)
	for i, w := range c.Weights {
		if w <= 0 {
			c.Weights[i] = 1
		}
	}
	if c.QuantumMS <= 0 {
		c.QuantumMS = def.QuantumMS
	}
	if c.MaxParkMS <= 0 {
		c.MaxParkMS = def.MaxParkMS
	}
	if c.MeshCapacity <= 0 {
		c.MeshCapacity = def.MeshCapacity
	}
	if c.BlockingThreads <= 0 {
		c.BlockingThreads = def.BlockingThreads
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
}

// Quantum returns QuantumMS as a duration.
func (c Config) Quantum() time.Duration { return time.Duration(c.QuantumMS) * time.Millisecond }

// MaxPark returns MaxParkMS as a duration.
func (c Config) MaxPark() time.Duration { return time.Duration(c.MaxParkMS) * time.Millisecond }
