// Package reduce synchronizes per-worker gradient vectors into a
// globally consistent update before each optimizer step.
//
// Every worker in a run joins a Group and calls Reduce once per
// step. The call is a collective barrier: no worker's Reduce for
// step i returns until all workers have called Reduce for step i,
// and every worker receives the same combined vector.
package reduce

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// A ReduceFn combines many vectors into a single vector. It must be
// commutative and associative up to floating-point rounding, and it
// must not modify its arguments.
type ReduceFn func(vecs ...[]float64) []float64

// Sum is a ReduceFn that computes a vector sum.
func Sum(vecs ...[]float64) []float64 {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
	res := append([]float64{}, vecs[0]...)
	for _, v := range vecs[1:] {
		floats.Add(res, v)
	}
	return res
}

// A Reduction determines how the combined vector is normalized.
type Reduction int

const (
	// ReduceMean divides the combined vector by the world size, so
	// the global update is invariant to the number of workers.
	ReduceMean Reduction = iota

	// ReduceSum leaves the combined vector as a plain sum.
	ReduceSum
)

func (r Reduction) String() string {
	switch r {
	case ReduceMean:
		return "mean"
	case ReduceSum:
		return "sum"
	}
	return fmt.Sprintf("Reduction(%d)", int(r))
}

// A Topology fixes the order in which per-rank vectors are combined.
//
// The order is what makes floating-point results reproducible: for a
// given world size, a Topology must always combine in the same
// order.
type Topology interface {
	// Combine reduces one vector per rank into a single vector
	// using fn. vecs has one entry per rank, indexed by rank, and
	// must not be modified.
	Combine(vecs [][]float64, fn ReduceFn) []float64
}

// Centralized combines every rank's vector in a single fold, in
// rank order. This mirrors a reduction where every worker sends its
// vector to one root.
type Centralized struct{}

// Combine runs fn over all vectors at once, in rank order.
func (Centralized) Combine(vecs [][]float64, fn ReduceFn) []float64 {
	return fn(vecs...)
}

// Tree combines vectors along a binary tree of ranks, reducing each
// node's vector with its children's partial results on the way up to
// rank 0.
//
// The tree uses the heap layout: rank i's children are ranks 2i+1
// and 2i+2.
type Tree struct{}

// Combine folds the vectors pairwise up the tree and returns the
// root's result.
func (t Tree) Combine(vecs [][]float64, fn ReduceFn) []float64 {
	return t.fold(vecs, fn, 0)
}

func (t Tree) fold(vecs [][]float64, fn ReduceFn, node int) []float64 {
	args := [][]float64{vecs[node]}
	for _, child := range []int{2*node + 1, 2*node + 2} {
		if child < len(vecs) {
			args = append(args, t.fold(vecs, fn, child))
		}
	}
	return fn(args...)
}
