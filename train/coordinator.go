package train

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/essentials"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/unixpickle/dist-train/reduce"
	"github.com/unixpickle/dist-train/shard"
)

// A State is a run's position in its lifecycle. There is no
// transition out of StateCompleted or StateAborted; a new run needs
// a fresh Coordinator.
type State int32

const (
	StateConfigured State = iota
	StateSpawned
	StateRunning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// A Result summarizes a completed run.
type Result struct {
	// ID identifies the run in logs.
	ID uuid.UUID

	// State is StateCompleted for a successful run.
	State State

	// Steps is the number of steps each worker committed.
	Steps int

	// Epochs is the number of epochs that ran.
	Epochs int

	// FinalLoss is the leader's local loss at the last step.
	FinalLoss float64

	// Duration is the wall time of the run.
	Duration time.Duration
}

// A Coordinator owns one training run: it validates the
// configuration, broadcasts the parameter snapshot, spawns the fixed
// worker pool, and aggregates failures. It is single-use.
type Coordinator struct {
	cfg Config
	id  uuid.UUID

	mu      sync.Mutex
	started bool
	state   atomic.Int32
}

// NewCoordinator creates a Coordinator for one run of cfg.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg.withDefaults(), id: uuid.New()}
}

// State returns the run's current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// Run executes the run to completion or to its first fatal error.
//
// Pre-flight validation happens before any worker is spawned or any
// batch is touched; a world-size/device mismatch surfaces as a
// *ConfigMismatchError. Once running, the first worker fault aborts
// every peer and is returned as a *WorkerCrashError carrying the
// failing rank. Cancelling ctx aborts the run the same way.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, errors.New("train: Coordinator is single-use; create a new one per run")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.cfg.validate(); err != nil {
		c.setState(StateAborted)
		return nil, err
	}
	cfg := &c.cfg

	assigner := &shard.Assigner{
		DatasetSize: cfg.Dataset.Len(),
		WorldSize:   cfg.WorldSize,
		Policy:      cfg.ShardPolicy,
		Shuffle:     cfg.Shuffle,
		Seed:        cfg.Seed,
	}
	// Shard sizes may differ by one sample; every rank runs the
	// smallest rank's batch count so the barrier stays aligned.
	stepsPerEpoch := assigner.Size(0) / cfg.BatchSize
	for rank := 1; rank < cfg.WorldSize; rank++ {
		stepsPerEpoch = essentials.MinInt(stepsPerEpoch, assigner.Size(rank)/cfg.BatchSize)
	}

	group := reduce.NewGroup(cfg.WorldSize).
		WithTopology(cfg.Topology).
		WithReduction(cfg.Reduction).
		WithTimeout(cfg.BarrierTimeout)

	workers := make([]*worker, cfg.WorldSize)
	for rank := range workers {
		// Each replica gets its own copy of the snapshot: an
		// explicit broadcast instead of shared weights.
		snapshot := append([]float64{}, cfg.Params...)
		model, opt, err := cfg.NewReplica(rank, snapshot, cfg.Devices[rank])
		if err != nil {
			c.setState(StateAborted)
			return nil, errors.Wrapf(err, "train: replica for rank %d", rank)
		}
		reporter := Reporter(NopReporter{})
		if rank == 0 {
			reporter = NewFractionReporter(cfg.Progress, cfg.ProgressFraction)
		}
		workers[rank] = &worker{
			rank:          rank,
			device:        cfg.Devices[rank],
			model:         model,
			opt:           opt,
			comm:          group.Join(rank),
			reporter:      reporter,
			assigner:      assigner,
			dataset:       cfg.Dataset,
			batchSize:     cfg.BatchSize,
			prefetchDepth: cfg.PrefetchDepth,
			epochs:        cfg.Epochs,
			stepsPerEpoch: stepsPerEpoch,
		}
	}

	klog.V(1).Infof("run %s: spawning %d worker(s) (%s), %d step(s) per epoch",
		c.id, cfg.WorldSize, cfg.StartStrategy, stepsPerEpoch)
	start := time.Now()
	c.setState(StateSpawned)

	g, gctx := errgroup.WithContext(ctx)
	errs := make([]error, cfg.WorldSize)
	for _, w := range workers {
		w := w
		g.Go(cfg.StartStrategy.wrap(func() error {
			err := w.run(gctx)
			if err != nil {
				errs[w.rank] = err
				// Release peers stuck at the barrier so the
				// run fails together instead of hanging.
				group.Abort(err)
			}
			return err
		}))
	}
	c.setState(StateRunning)

	// An external cancellation must also unblock barrier waiters.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			group.Abort(gctx.Err())
		case <-watchDone:
		}
	}()

	runErr := g.Wait()
	close(watchDone)

	if runErr != nil {
		crash := c.crashError(errs)
		c.setState(StateAborted)
		klog.Errorf("run %s: aborted: %v", c.id, crash)
		return nil, crash
	}

	c.setState(StateCompleted)
	res := &Result{
		ID:        c.id,
		State:     StateCompleted,
		Steps:     workers[0].step,
		Epochs:    cfg.Epochs,
		FinalLoss: workers[0].lastLoss,
		Duration:  time.Since(start),
	}
	klog.V(1).Infof("run %s: completed %d step(s) in %s", c.id, res.Steps, res.Duration)
	return res, nil
}

// crashError picks the fault that caused the run to abort. Workers
// that merely observed a peer's failure through the barrier (or the
// shared context) are not the cause.
func (c *Coordinator) crashError(errs []error) error {
	for rank, err := range errs {
		if err == nil {
			continue
		}
		var abort *reduce.BarrierAbortError
		if errors.As(err, &abort) || errors.Is(err, context.Canceled) {
			continue
		}
		return &WorkerCrashError{Rank: rank, Err: err}
	}
	for rank, err := range errs {
		if err != nil {
			return &WorkerCrashError{Rank: rank, Err: err}
		}
	}
	return errors.New("train: run aborted")
}
