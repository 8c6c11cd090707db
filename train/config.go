package train

import (
	"time"

	"github.com/pkg/errors"

	"github.com/unixpickle/dist-train/prefetch"
	"github.com/unixpickle/dist-train/reduce"
	"github.com/unixpickle/dist-train/shard"
)

// A Config is the immutable description of one training run.
type Config struct {
	// WorldSize is the number of workers to spawn. It must equal
	// len(Devices).
	WorldSize int

	// Devices holds one accelerator per rank, in rank order.
	Devices []prefetch.Device

	// Dataset is the shared, read-only sample source.
	Dataset prefetch.Dataset

	// BatchSize is the per-worker batch size.
	BatchSize int

	// Epochs is the number of passes over the dataset. Defaults
	// to 1.
	Epochs int

	// Shuffle randomizes the global index order each epoch.
	Shuffle bool

	// Seed drives shuffling. Two runs with equal seeds and
	// configs visit samples in the same order.
	Seed int64

	// ShardPolicy selects how indices are split across ranks.
	ShardPolicy shard.Policy

	// PrefetchDepth is how many batches each worker's pipeline
	// keeps in flight ahead of compute. Defaults to 1.
	PrefetchDepth int

	// Params is the initial parameter snapshot. The coordinator
	// copies it to every worker at spawn time, so replicas start
	// identical without sharing memory.
	Params []float64

	// NewReplica builds each rank's model and optimizer.
	NewReplica ReplicaFactory

	// Reduction selects mean (default) or sum gradient
	// combination.
	Reduction reduce.Reduction

	// Topology fixes the gradient combination order. Defaults to
	// reduce.Centralized.
	Topology reduce.Topology

	// BarrierTimeout bounds how long a worker waits for its peers
	// at the gradient barrier. Zero waits forever.
	BarrierTimeout time.Duration

	// Progress receives leader-only progress reports. Only rank 0
	// ever touches it; nil disables reporting.
	Progress Reporter

	// ProgressFraction is the fraction of total batches between
	// progress reports. Defaults to 1/10.
	ProgressFraction float64

	// StartStrategy selects how worker execution contexts are
	// launched.
	StartStrategy StartStrategy
}

// withDefaults returns a copy of the config with zero values filled
// in.
func (c Config) withDefaults() Config {
	if c.Epochs == 0 {
		c.Epochs = 1
	}
	if c.PrefetchDepth == 0 {
		c.PrefetchDepth = 1
	}
	if c.Topology == nil {
		c.Topology = reduce.Centralized{}
	}
	if c.Progress == nil {
		c.Progress = NopReporter{}
	}
	if c.ProgressFraction == 0 {
		c.ProgressFraction = 0.1
	}
	return c
}

// validate fails fast on a config the run could not survive. It runs
// before any worker is spawned or any batch is touched.
func (c *Config) validate() error {
	if c.WorldSize <= 0 {
		return errors.Errorf("train: non-positive world size %d", c.WorldSize)
	}
	if len(c.Devices) != c.WorldSize {
		return &ConfigMismatchError{WorldSize: c.WorldSize, Devices: len(c.Devices)}
	}
	for rank, dev := range c.Devices {
		if dev == nil {
			return errors.Errorf("train: no device for rank %d", rank)
		}
	}
	if c.Dataset == nil {
		return errors.New("train: no dataset")
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("train: non-positive batch size %d", c.BatchSize)
	}
	if c.NewReplica == nil {
		return errors.New("train: no replica factory")
	}
	if c.Epochs < 0 {
		return errors.Errorf("train: negative epoch count %d", c.Epochs)
	}
	if c.PrefetchDepth < 0 {
		return errors.Errorf("train: negative prefetch depth %d", c.PrefetchDepth)
	}
	if c.ProgressFraction < 0 || c.ProgressFraction > 1 {
		return errors.Errorf("train: progress fraction %f outside [0, 1]", c.ProgressFraction)
	}
	return nil
}
