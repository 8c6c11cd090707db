// Package prefetch turns a worker's shard of dataset indices into a
// stream of device-resident batches, loading and transferring each
// batch ahead of the compute that will consume it.
package prefetch

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// A Sample is one (input, target) pair from a data source.
type Sample struct {
	Input  []float64
	Target []float64
}

// A Dataset is a random-access collection of samples with a fixed
// length and stable ordering. Implementations must be safe for
// concurrent reads.
type Dataset interface {
	// Len returns the number of samples.
	Len() int

	// At returns the sample at index i.
	At(i int) (Sample, error)
}

// A Device is an accelerator to which batches are transferred before
// compute runs on them.
type Device interface {
	// Name identifies the device, for logs and errors.
	Name() string

	// Transfer moves a host-resident batch onto the device and
	// returns the device-resident batch. It may block until the
	// transfer completes.
	Transfer(b *Batch) (*Batch, error)
}

// A Batch is a fixed-size slice of a worker's shard, aligned to the
// same step index on every worker.
type Batch struct {
	// Index is the batch's position within the epoch, starting at
	// zero.
	Index int

	Inputs  [][]float64
	Targets [][]float64

	// Device is the device the batch resides on, or nil while it
	// is still host-resident.
	Device Device
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Inputs)
}

// A DataExhaustionError indicates that the underlying data source or
// device transfer failed mid-epoch. The run cannot continue past it;
// the pipeline does not retry.
type DataExhaustionError struct {
	// Batch is the epoch-relative index of the batch that failed.
	Batch int

	// Err is the underlying fault.
	Err error
}

func (d *DataExhaustionError) Error() string {
	return fmt.Sprintf("data exhausted at batch %d: %s", d.Batch, d.Err)
}

func (d *DataExhaustionError) Unwrap() error {
	return d.Err
}

// A Pipeline produces a worker's batches for one epoch, already
// resident on the worker's device. While the consumer computes on
// batch i, the pipeline is loading and transferring batch i+1.
//
// A Pipeline is a lazy, finite, non-restartable sequence: Next
// returns io.EOF once the shard is consumed, and a new epoch
// requires a new Pipeline built from a fresh shard.
type Pipeline struct {
	dataset   Dataset
	device    Device
	indices   []int
	batchSize int
	depth     int
	ctx       context.Context

	ch        chan fetched
	stop      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	done error
}

type fetched struct {
	batch *Batch
	err   error
}

// New creates a Pipeline over the given shard. The device may be nil
// for host-only runs, in which case batches are yielded without a
// transfer step.
//
// The Pipeline must be configured and then started before use:
//
//	p := prefetch.New(ds, dev, shard, batchSize).Start()
func New(dataset Dataset, device Device, indices []int, batchSize int) *Pipeline {
	if batchSize <= 0 {
		panic(fmt.Sprintf("prefetch: non-positive batch size %d", batchSize))
	}
	return &Pipeline{
		dataset:   dataset,
		device:    device,
		indices:   indices,
		batchSize: batchSize,
		depth:     1,
		ctx:       context.Background(),
	}
}

// Context attaches a cancellation context to the pipeline. When ctx
// is cancelled, a consumer blocked in Next returns ctx.Err() even if
// the loader is stuck in a slow read or transfer, and the loader
// stops emitting.
//
// It returns the Pipeline, so calls can be cascaded. It must be
// called before Start.
func (p *Pipeline) Context(ctx context.Context) *Pipeline {
	if p.ch != nil {
		panic("prefetch: Context called after Start")
	}
	p.ctx = ctx
	return p
}

// Depth sets how many batches beyond the one being computed on may
// be in flight at once. The default is 1.
//
// It returns the Pipeline, so calls can be cascaded. It must be
// called before Start.
func (p *Pipeline) Depth(n int) *Pipeline {
	if p.ch != nil {
		panic("prefetch: Depth called after Start")
	}
	if n < 1 {
		panic(fmt.Sprintf("prefetch: invalid depth %d", n))
	}
	p.depth = n
	return p
}

// Batches returns the number of batches the pipeline will produce.
// A trailing partial batch is not produced.
func (p *Pipeline) Batches() int {
	return len(p.indices) / p.batchSize
}

// Start launches the background loader and returns the Pipeline.
func (p *Pipeline) Start() *Pipeline {
	if p.ch != nil {
		panic("prefetch: Start called twice")
	}
	p.ch = make(chan fetched, p.depth-1)
	p.stop = make(chan struct{})
	go p.run()
	return p
}

// Next returns the next device-resident batch.
//
// At the end of the epoch it returns io.EOF. If the data source or a
// transfer fails, it returns a *DataExhaustionError at the batch
// boundary where the fault occurred. After either, the pipeline is
// exhausted and Next keeps returning the same result. If the
// pipeline's context is cancelled, Next returns the context's error
// instead of waiting for the loader.
func (p *Pipeline) Next() (*Batch, error) {
	if p.ch == nil {
		panic("prefetch: Next called before Start")
	}
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		return nil, done
	}

	select {
	case f := <-p.ch:
		return p.take(f)
	case <-p.ctx.Done():
		// A result may have been emitted concurrently with the
		// cancellation; a delivered result still counts.
		select {
		case f := <-p.ch:
			return p.take(f)
		default:
			return nil, p.ctx.Err()
		}
	}
}

// take records a terminal result so it stays sticky.
func (p *Pipeline) take(f fetched) (*Batch, error) {
	if f.err != nil {
		p.mu.Lock()
		p.done = f.err
		p.mu.Unlock()
		return nil, f.err
	}
	return f.batch, nil
}

// Close stops the background loader. It is safe to call at any time
// and more than once, and never blocks.
func (p *Pipeline) Close() {
	if p.stop == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.stop)
	})
}

func (p *Pipeline) run() {
	total := p.Batches()
	for i := 0; i < total; i++ {
		batch, err := p.load(i)
		if err != nil {
			p.emit(fetched{err: &DataExhaustionError{Batch: i, Err: err}})
			return
		}
		if !p.emit(fetched{batch: batch}) {
			return
		}
	}
	p.emit(fetched{err: io.EOF})
}

// emit hands a result to the consumer, or reports false if the
// pipeline was closed or its context cancelled first.
func (p *Pipeline) emit(f fetched) bool {
	select {
	case p.ch <- f:
		return true
	case <-p.stop:
		return false
	case <-p.ctx.Done():
		return false
	}
}

// load assembles batch i from the shard and moves it to the device.
func (p *Pipeline) load(i int) (*Batch, error) {
	batch := &Batch{
		Index:   i,
		Inputs:  make([][]float64, 0, p.batchSize),
		Targets: make([][]float64, 0, p.batchSize),
	}
	for _, idx := range p.indices[i*p.batchSize : (i+1)*p.batchSize] {
		sample, err := p.dataset.At(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "sample %d", idx)
		}
		batch.Inputs = append(batch.Inputs, sample.Input)
		batch.Targets = append(batch.Targets, sample.Target)
	}
	if p.device == nil {
		return batch, nil
	}
	res, err := p.device.Transfer(batch)
	if err != nil {
		return nil, errors.Wrapf(err, "transfer to %s", p.device.Name())
	}
	return res, nil
}
