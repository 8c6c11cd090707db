package reduce

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// A Group coordinates one run's gradient synchronization across a
// fixed set of workers.
//
// Configure a Group with the With* methods before any worker joins;
// the Group must not be reconfigured afterwards.
type Group struct {
	worldSize int
	topo      Topology
	fn        ReduceFn
	reduction Reduction
	timeout   time.Duration

	mu       sync.Mutex
	joined   []bool
	round    *round
	abortErr error
	abortCh  chan struct{}
}

// A round is the barrier state for a single step index.
type round struct {
	step    int
	vecs    [][]float64
	arrived int
	result  []float64
	done    chan struct{}
}

// NewGroup creates a Group for worldSize workers with the default
// configuration: centralized topology, mean reduction, unbounded
// barrier wait.
func NewGroup(worldSize int) *Group {
	if worldSize <= 0 {
		panic(fmt.Sprintf("reduce: non-positive world size %d", worldSize))
	}
	return &Group{
		worldSize: worldSize,
		topo:      Centralized{},
		fn:        Sum,
		joined:    make([]bool, worldSize),
		abortCh:   make(chan struct{}),
	}
}

// WithTopology sets the combination topology.
//
// It returns the Group, so calls can be cascaded.
func (g *Group) WithTopology(t Topology) *Group {
	g.topo = t
	return g
}

// WithReduction sets the normalization policy.
//
// It returns the Group, so calls can be cascaded.
func (g *Group) WithReduction(r Reduction) *Group {
	g.reduction = r
	return g
}

// WithTimeout bounds how long a worker may wait at the barrier for
// its peers. A zero timeout waits forever.
//
// It returns the Group, so calls can be cascaded.
func (g *Group) WithTimeout(d time.Duration) *Group {
	g.timeout = d
	return g
}

// WorldSize returns the number of workers in the group.
func (g *Group) WorldSize() int {
	return g.worldSize
}

// Join registers a worker and returns its handle into the group.
// Each rank may join at most once.
func (g *Group) Join(rank int) *Comm {
	if rank < 0 || rank >= g.worldSize {
		panic(fmt.Sprintf("reduce: rank %d out of range for world size %d", rank, g.worldSize))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.joined[rank] {
		panic(fmt.Sprintf("reduce: rank %d joined twice", rank))
	}
	g.joined[rank] = true
	return &Comm{group: g, rank: rank}
}

// Abort releases every worker that is waiting at the barrier, and
// every worker that arrives later, with a *BarrierAbortError
// wrapping cause.
//
// Aborting an already-aborted group has no effect.
func (g *Group) Abort(cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abortErr != nil {
		return
	}
	g.abortErr = cause
	close(g.abortCh)
}

func (g *Group) abortCause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.abortErr
}

// combine is called with the lock held by the last arriver of a
// round. The single-caller rule keeps the combination order fixed.
func (g *Group) combine(vecs [][]float64) []float64 {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("reduce: mismatching gradient lengths")
		}
	}
	res := g.topo.Combine(vecs, g.fn)
	if g.reduction == ReduceMean && g.worldSize > 1 {
		floats.Scale(1/float64(g.worldSize), res)
	}
	return res
}

// A Comm is one worker's handle into a Group. Comms must not be
// shared between workers.
type Comm struct {
	group *Group
	rank  int
}

// Rank returns the rank this Comm was joined with.
func (c *Comm) Rank() int {
	return c.rank
}

// Reduce submits the worker's local gradients for a step and blocks
// until every rank in the group has done the same, then returns the
// combined vector. Every rank receives its own copy of an identical
// result.
//
// All ranks must call Reduce with the same step index; a mismatched
// step or a duplicate call for the same step is a programming error
// and panics. If the group is aborted while waiting, Reduce returns
// a *BarrierAbortError. If the group has a timeout and it expires,
// Reduce aborts the group and returns a *WorkerTimeoutError.
func (c *Comm) Reduce(step int, grads []float64) ([]float64, error) {
	g := c.group

	r, last, err := g.arrive(c.rank, step, grads)
	if err != nil {
		return nil, err
	}
	if last {
		return append([]float64{}, r.result...), nil
	}

	var timeoutCh <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-r.done:
	case <-g.abortCh:
		// The round may have completed concurrently with the
		// abort; a completed round still counts.
		select {
		case <-r.done:
		default:
			return nil, &BarrierAbortError{Cause: g.abortCause()}
		}
	case <-timeoutCh:
		select {
		case <-r.done:
		default:
			err := &WorkerTimeoutError{Rank: c.rank, Step: step, Timeout: g.timeout}
			g.Abort(err)
			return nil, err
		}
	}
	return append([]float64{}, r.result...), nil
}

// arrive registers one rank's gradients for a step. The last rank
// to arrive performs the combine while still holding the lock, so
// the combination order is fixed.
func (g *Group) arrive(rank, step int, grads []float64) (r *round, last bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.abortErr != nil {
		return nil, false, &BarrierAbortError{Cause: g.abortErr}
	}
	if grads == nil {
		grads = []float64{}
	}
	r = g.round
	if r == nil || (r.arrived == g.worldSize && r.step != step) {
		r = &round{
			step: step,
			vecs: make([][]float64, g.worldSize),
			done: make(chan struct{}),
		}
		g.round = r
	}
	if r.step != step {
		panic(fmt.Sprintf("reduce: rank %d called step %d while the barrier is at step %d",
			rank, step, r.step))
	}
	if r.vecs[rank] != nil {
		panic(fmt.Sprintf("reduce: rank %d reduced step %d twice", rank, step))
	}
	r.vecs[rank] = grads
	r.arrived++
	if r.arrived == g.worldSize {
		r.result = g.combine(r.vecs)
		close(r.done)
		return r, true, nil
	}
	return r, false, nil
}
