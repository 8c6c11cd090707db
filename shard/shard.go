// Package shard deterministically partitions a dataset's index space
// across a fixed number of workers.
package shard

import (
	"fmt"
	"math/rand"
)

// A Policy determines how indices are split across ranks.
type Policy int

const (
	// Interleave assigns index i to rank i % worldSize, so each
	// rank owns a strided slice of the index space.
	Interleave Policy = iota

	// Block assigns each rank a contiguous range of indices, with
	// the remainder spread over the lowest ranks.
	Block
)

func (p Policy) String() string {
	switch p {
	case Interleave:
		return "interleave"
	case Block:
		return "block"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// An Assigner computes the shard owned by each rank in a run.
//
// Shards are a pure function of the Assigner's fields and the
// (rank, epoch) arguments: two Assigners with identical fields
// produce identical shards on every rank.
type Assigner struct {
	// DatasetSize is the total number of indexable samples.
	DatasetSize int

	// WorldSize is the number of workers sharing the dataset.
	WorldSize int

	// Policy selects the partitioning scheme.
	Policy Policy

	// Shuffle permutes the full index set before partitioning.
	// The permutation is derived from Seed and the epoch, so all
	// ranks observe the same global order.
	Shuffle bool

	// Seed is the base seed for shuffling. Ignored when Shuffle
	// is false.
	Seed int64
}

// Shard returns the ordered indices owned by rank for the given
// epoch.
//
// The union of all ranks' shards is always the full index set, and
// shards are pairwise disjoint.
//
// A rank outside [0, WorldSize) or a non-positive world size is a
// programming error and panics.
func (a *Assigner) Shard(rank, epoch int) []int {
	if a.WorldSize <= 0 {
		panic(fmt.Sprintf("shard: non-positive world size %d", a.WorldSize))
	}
	if rank < 0 || rank >= a.WorldSize {
		panic(fmt.Sprintf("shard: rank %d out of range for world size %d", rank, a.WorldSize))
	}
	if a.DatasetSize < 0 {
		panic(fmt.Sprintf("shard: negative dataset size %d", a.DatasetSize))
	}

	order := a.order(epoch)
	switch a.Policy {
	case Interleave:
		res := make([]int, 0, (a.DatasetSize+a.WorldSize-1)/a.WorldSize)
		for i := rank; i < len(order); i += a.WorldSize {
			res = append(res, order[i])
		}
		return res
	case Block:
		start, end := blockRange(a.DatasetSize, a.WorldSize, rank)
		res := make([]int, end-start)
		copy(res, order[start:end])
		return res
	}
	panic(fmt.Sprintf("shard: unknown policy %v", a.Policy))
}

// Size returns len(a.Shard(rank, epoch)) without building the shard.
// Shard sizes do not depend on the epoch.
func (a *Assigner) Size(rank int) int {
	if rank < 0 || rank >= a.WorldSize {
		panic(fmt.Sprintf("shard: rank %d out of range for world size %d", rank, a.WorldSize))
	}
	switch a.Policy {
	case Interleave:
		size := a.DatasetSize / a.WorldSize
		if rank < a.DatasetSize%a.WorldSize {
			size++
		}
		return size
	case Block:
		start, end := blockRange(a.DatasetSize, a.WorldSize, rank)
		return end - start
	}
	panic(fmt.Sprintf("shard: unknown policy %v", a.Policy))
}

// order returns the global index order for an epoch, shared by all
// ranks.
func (a *Assigner) order(epoch int) []int {
	if !a.Shuffle {
		order := make([]int, a.DatasetSize)
		for i := range order {
			order[i] = i
		}
		return order
	}
	seed := uint64(a.Seed) ^ uint64(epoch)*0x9e3779b97f4a7c15
	rng := rand.New(rand.NewSource(int64(seed)))
	return rng.Perm(a.DatasetSize)
}

func blockRange(datasetSize, worldSize, rank int) (start, end int) {
	base := datasetSize / worldSize
	extra := datasetSize % worldSize
	start = rank*base + min(rank, extra)
	end = start + base
	if rank < extra {
		end++
	}
	return
}
