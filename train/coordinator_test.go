package train_test

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixpickle/dist-train/devsim"
	"github.com/unixpickle/dist-train/prefetch"
	"github.com/unixpickle/dist-train/reduce"
	"github.com/unixpickle/dist-train/train"
)

// recorder captures leader progress reports.
type recorder struct {
	total    int
	steps    []int
	losses   []float64
	finished bool
}

func (r *recorder) Start(total int) { r.total = total }

func (r *recorder) Report(step int, loss float64) {
	r.steps = append(r.steps, step)
	r.losses = append(r.losses, loss)
}

func (r *recorder) Finish() { r.finished = true }

// countingDataset counts every sample access.
type countingDataset struct {
	prefetch.Dataset
	reads atomic.Int64
}

func (c *countingDataset) At(i int) (prefetch.Sample, error) {
	c.reads.Add(1)
	return c.Dataset.At(i)
}

func regression(samples int) *devsim.Regression {
	return &devsim.Regression{
		Samples: samples,
		Weights: []float64{1.5, -0.5},
		Seed:    1337,
	}
}

func TestSingleWorkerRunCompletes(t *testing.T) {
	rec := &recorder{}
	coord := train.NewCoordinator(train.Config{
		WorldSize:  1,
		Devices:    devsim.Devices(1, 0, 0),
		Dataset:    regression(64),
		BatchSize:  8,
		Params:     make([]float64, 2),
		NewReplica: devsim.Replica(0.1),
		Progress:   rec,
	})

	res, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, train.StateCompleted, coord.State())
	assert.Equal(t, train.StateCompleted, res.State)
	assert.Equal(t, 8, res.Steps)
	assert.Equal(t, 1, res.Epochs)

	// The leader's step counter advanced monotonically through
	// the whole epoch.
	assert.Equal(t, 8, rec.total)
	for i, step := range rec.steps {
		assert.Equal(t, i+1, step)
	}
	assert.True(t, rec.finished)
}

func TestConfigMismatchFailsBeforeAnyBatch(t *testing.T) {
	ds := &countingDataset{Dataset: regression(64)}
	coord := train.NewCoordinator(train.Config{
		WorldSize:  8,
		Devices:    devsim.Devices(1, 0, 0),
		Dataset:    ds,
		BatchSize:  8,
		NewReplica: devsim.Replica(0.1),
	})

	_, err := coord.Run(context.Background())
	var mismatch *train.ConfigMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 8, mismatch.WorldSize)
	assert.Equal(t, 1, mismatch.Devices)

	// The run never entered StateRunning and no worker touched a
	// sample.
	assert.Equal(t, train.StateAborted, coord.State())
	assert.EqualValues(t, 0, ds.reads.Load())
}

func TestReplicasStayInSync(t *testing.T) {
	models := make([]*devsim.Linear, 4)
	factory := func(rank int, params []float64, device prefetch.Device) (train.Model, train.Optimizer, error) {
		models[rank] = devsim.NewLinear(params)
		return models[rank], &devsim.SGD{Model: models[rank], LR: 0.1}, nil
	}

	res, err := train.Run(context.Background(), train.Config{
		WorldSize:  4,
		Devices:    devsim.Devices(4, 0, 0),
		Dataset:    regression(256),
		BatchSize:  8,
		Epochs:     20,
		Params:     make([]float64, 2),
		NewReplica: factory,
		Topology:   reduce.Tree{},
	})
	require.NoError(t, err)
	assert.Equal(t, 20*8, res.Steps)

	// Gradients are synchronized before every commit, so all
	// replicas must hold bit-identical weights.
	for rank := 1; rank < 4; rank++ {
		assert.Equal(t, models[0].Weights(), models[rank].Weights(),
			"rank %d diverged from rank 0", rank)
	}

	// And on noiseless data they converge to the true weights.
	for j, want := range []float64{1.5, -0.5} {
		assert.True(t, math.Abs(models[0].Weights()[j]-want) < 5e-2,
			"weight %d = %f, want %f", j, models[0].Weights()[j], want)
	}
}

func TestRunsAreReproducible(t *testing.T) {
	run := func() []float64 {
		var model0 *devsim.Linear
		factory := func(rank int, params []float64, device prefetch.Device) (train.Model, train.Optimizer, error) {
			m := devsim.NewLinear(params)
			if rank == 0 {
				model0 = m
			}
			return m, &devsim.SGD{Model: m, LR: 0.05}, nil
		}
		_, err := train.Run(context.Background(), train.Config{
			WorldSize:  4,
			Devices:    devsim.Devices(4, 0, 0),
			Dataset:    regression(256),
			BatchSize:  4,
			Epochs:     3,
			Shuffle:    true,
			Seed:       99,
			Params:     make([]float64, 2),
			NewReplica: factory,
		})
		require.NoError(t, err)
		return model0.Weights()
	}

	assert.Equal(t, run(), run())
}

// crashingModel fails its backward pass at a chosen step.
type crashingModel struct {
	failAt int
	calls  int
}

func (c *crashingModel) Forward(b *prefetch.Batch) (float64, error) {
	return 1, nil
}

func (c *crashingModel) Backward(loss float64) ([]float64, error) {
	if c.calls == c.failAt {
		return nil, errors.New("device fault")
	}
	c.calls++
	return []float64{0}, nil
}

type nopOptimizer struct{}

func (nopOptimizer) Step([]float64) error { return nil }

func TestWorkerCrashAbortsAllPeers(t *testing.T) {
	factory := func(rank int, params []float64, device prefetch.Device) (train.Model, train.Optimizer, error) {
		failAt := -1
		if rank == 2 {
			failAt = 3
		}
		return &crashingModel{failAt: failAt}, nopOptimizer{}, nil
	}

	coord := train.NewCoordinator(train.Config{
		WorldSize:  4,
		Devices:    devsim.Devices(4, 0, 0),
		Dataset:    regression(64),
		BatchSize:  2,
		NewReplica: factory,
	})

	done := make(chan error, 1)
	go func() {
		_, err := coord.Run(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		var crash *train.WorkerCrashError
		require.ErrorAs(t, err, &crash)
		assert.Equal(t, 2, crash.Rank)
		assert.Contains(t, err.Error(), "device fault")
	case <-time.After(10 * time.Second):
		t.Fatal("peers hung instead of failing together")
	}
	assert.Equal(t, train.StateAborted, coord.State())
}

// stuckDevice blocks every transfer until released.
type stuckDevice struct {
	release chan struct{}
}

func (d *stuckDevice) Name() string { return "stuck" }

func (d *stuckDevice) Transfer(b *prefetch.Batch) (*prefetch.Batch, error) {
	<-d.release
	out := *b
	out.Device = d
	return &out, nil
}

func TestCrashWithBlockedLoaderFailsTogether(t *testing.T) {
	// Rank 0's device never finishes a transfer, so rank 0 is still
	// waiting for its first batch when rank 1 crashes. The run must
	// abort as a whole rather than hang on the blocked loader.
	release := make(chan struct{})
	defer close(release)
	factory := func(rank int, params []float64, device prefetch.Device) (train.Model, train.Optimizer, error) {
		failAt := -1
		if rank == 1 {
			failAt = 0
		}
		return &crashingModel{failAt: failAt}, nopOptimizer{}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := train.Run(context.Background(), train.Config{
			WorldSize: 2,
			Devices: []prefetch.Device{
				&stuckDevice{release: release},
				devsim.Devices(1, 0, 0)[0],
			},
			Dataset:    regression(64),
			BatchSize:  4,
			NewReplica: factory,
		})
		done <- err
	}()

	select {
	case err := <-done:
		var crash *train.WorkerCrashError
		require.ErrorAs(t, err, &crash)
		assert.Equal(t, 1, crash.Rank)
		assert.Contains(t, err.Error(), "device fault")
	case <-time.After(10 * time.Second):
		t.Fatal("run hung on a worker blocked in its loader")
	}
}

func TestDataFaultAbortsRun(t *testing.T) {
	boom := errors.New("storage gone")
	ds := &faultyDataset{Dataset: regression(64), failAt: 9}
	ds.err = boom

	_, err := train.Run(context.Background(), train.Config{
		WorldSize:  2,
		Devices:    devsim.Devices(2, 0, 0),
		Dataset:    ds,
		BatchSize:  4,
		Params:     make([]float64, 2),
		NewReplica: devsim.Replica(0.1),
	})
	var crash *train.WorkerCrashError
	require.ErrorAs(t, err, &crash)
	var exhausted *prefetch.DataExhaustionError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, boom)
}

type faultyDataset struct {
	prefetch.Dataset
	failAt int
	err    error
}

func (f *faultyDataset) At(i int) (prefetch.Sample, error) {
	if i == f.failAt {
		return prefetch.Sample{}, f.err
	}
	return f.Dataset.At(i)
}

func TestContextCancelAbortsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	coord := train.NewCoordinator(train.Config{
		WorldSize:  2,
		Devices:    devsim.Devices(2, 0, 0),
		Dataset:    regression(64),
		BatchSize:  4,
		Params:     make([]float64, 2),
		NewReplica: devsim.Replica(0.1),
	})
	_, err := coord.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, train.StateAborted, coord.State())
}

func TestCoordinatorIsSingleUse(t *testing.T) {
	coord := train.NewCoordinator(train.Config{
		WorldSize:  1,
		Devices:    devsim.Devices(1, 0, 0),
		Dataset:    regression(16),
		BatchSize:  4,
		Params:     make([]float64, 2),
		NewReplica: devsim.Replica(0.1),
	})
	_, err := coord.Run(context.Background())
	require.NoError(t, err)

	_, err = coord.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, train.StateCompleted, coord.State())
}

func TestLockedThreadStrategy(t *testing.T) {
	res, err := train.Run(context.Background(), train.Config{
		WorldSize:     2,
		Devices:       devsim.Devices(2, 0, 0),
		Dataset:       regression(64),
		BatchSize:     4,
		Params:        make([]float64, 2),
		NewReplica:    devsim.Replica(0.1),
		StartStrategy: train.StartLockedThread,
	})
	require.NoError(t, err)
	assert.Equal(t, train.StateCompleted, res.State)
}

func TestBarrierTimeoutSurfaces(t *testing.T) {
	// Rank 1's forward pass stalls, so rank 0 times out at the
	// barrier and the run aborts instead of hanging.
	block := make(chan struct{})
	factory := func(rank int, params []float64, device prefetch.Device) (train.Model, train.Optimizer, error) {
		if rank == 1 {
			return &stalledModel{block: block}, nopOptimizer{}, nil
		}
		return &crashingModel{failAt: -1}, nopOptimizer{}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := train.Run(context.Background(), train.Config{
			WorldSize:      2,
			Devices:        devsim.Devices(2, 0, 0),
			Dataset:        regression(16),
			BatchSize:      2,
			NewReplica:     factory,
			BarrierTimeout: 100 * time.Millisecond,
		})
		done <- err
	}()

	// Release the stalled worker only after rank 0's barrier wait
	// has long expired.
	time.Sleep(500 * time.Millisecond)
	close(block)

	var err error
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run hung on a missing barrier participant")
	}
	var crash *train.WorkerCrashError
	require.ErrorAs(t, err, &crash)
	var timeout *reduce.WorkerTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 0, crash.Rank)
}

type stalledModel struct {
	block chan struct{}
}

func (s *stalledModel) Forward(b *prefetch.Batch) (float64, error) {
	<-s.block
	return 0, errors.New("released after stall")
}

func (s *stalledModel) Backward(loss float64) ([]float64, error) {
	return nil, errors.New("unreachable")
}
