package train

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/unixpickle/dist-train/prefetch"
	"github.com/unixpickle/dist-train/reduce"
	"github.com/unixpickle/dist-train/shard"
)

// A worker runs one rank's step loop: pull a batch from the
// pipeline, compute the forward loss and local gradients, reduce
// them with every peer, and only then let the optimizer commit.
type worker struct {
	rank   int
	device prefetch.Device

	model    Model
	opt      Optimizer
	comm     *reduce.Comm
	reporter Reporter

	assigner      *shard.Assigner
	dataset       prefetch.Dataset
	batchSize     int
	prefetchDepth int
	epochs        int
	stepsPerEpoch int

	// step counts committed steps; it advances only after the
	// barrier releases and the optimizer applies the update.
	step     int
	lastLoss float64
}

func (w *worker) run(ctx context.Context) error {
	w.reporter.Start(w.epochs * w.stepsPerEpoch)
	defer w.reporter.Finish()
	for epoch := 0; epoch < w.epochs; epoch++ {
		if err := w.runEpoch(ctx, epoch); err != nil {
			return err
		}
		klog.V(2).Infof("rank %d finished epoch %d of %d", w.rank, epoch+1, w.epochs)
	}
	return nil
}

func (w *worker) runEpoch(ctx context.Context, epoch int) error {
	// The shard is fixed for the epoch; re-iterating the data
	// means re-acquiring a shard and building a new pipeline.
	indices := w.assigner.Shard(w.rank, epoch)
	// The run's context is wired into the pipeline so a peer's crash
	// unblocks a worker waiting on a slow read or transfer.
	pipe := prefetch.New(w.dataset, w.device, indices, w.batchSize).
		Depth(w.prefetchDepth).
		Context(ctx).
		Start()
	defer pipe.Close()

	for i := 0; i < w.stepsPerEpoch; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := pipe.Next()
		if err != nil {
			return err
		}
		loss, err := w.model.Forward(batch)
		if err != nil {
			return errors.Wrapf(err, "forward at step %d", w.step)
		}
		grads, err := w.model.Backward(loss)
		if err != nil {
			return errors.Wrapf(err, "backward at step %d", w.step)
		}
		synced, err := w.comm.Reduce(w.step, grads)
		if err != nil {
			return err
		}
		if err := w.opt.Step(synced); err != nil {
			return errors.Wrapf(err, "optimizer at step %d", w.step)
		}
		w.lastLoss = loss
		w.reporter.Report(w.step, loss)
		w.step++
	}
	return nil
}
