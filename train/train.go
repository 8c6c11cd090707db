// Package train orchestrates synchronous data-parallel training
// across a fixed pool of workers.
//
// A Coordinator spawns one WorkerRuntime per accelerator device.
// Each worker owns a disjoint shard of the dataset, pulls batches
// through a prefetch pipeline, and synchronizes its gradients with
// every peer at a barrier before each optimizer step commits. An
// error in any worker aborts the whole run.
package train

import (
	"context"

	"github.com/unixpickle/dist-train/prefetch"
)

// A Model computes the loss and gradients for one worker's replica
// of the network. The architecture itself is opaque to this package.
type Model interface {
	// Forward computes the loss for a device-resident batch.
	Forward(b *prefetch.Batch) (float64, error)

	// Backward computes the local gradients for the loss returned
	// by the preceding Forward call. The returned slice is only
	// valid until it is submitted for reduction.
	Backward(loss float64) ([]float64, error)
}

// An Optimizer applies a synchronized gradient vector to a worker's
// local parameters. Gradients are guaranteed to be identical on
// every worker by the time Step is invoked.
type Optimizer interface {
	Step(grads []float64) error
}

// A ReplicaFactory constructs one worker's model replica and
// optimizer from the run's parameter snapshot. Every rank receives
// its own copy of the snapshot, so replicas share no state.
type ReplicaFactory func(rank int, params []float64, device prefetch.Device) (Model, Optimizer, error)

// Run is the entry point for launchers: it creates a Coordinator for
// the config and runs it to completion. It returns normally on
// success; the first fatal worker error is returned with the failing
// rank embedded (see WorkerCrashError).
func Run(ctx context.Context, cfg Config) (*Result, error) {
	return NewCoordinator(cfg).Run(ctx)
}
