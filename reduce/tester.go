package reduce

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
)

// RunReducerTests runs a battery of tests on a Topology: results are
// identical on every rank, numerically correct, and reproducible
// across repeated runs.
func RunReducerTests(t *testing.T, topo Topology) {
	for _, worldSize := range []int{1, 2, 5, 8, 16} {
		for _, size := range []int{0, 1337} {
			testName := fmt.Sprintf("World=%d,Size=%d", worldSize, size)
			t.Run(testName, func(t *testing.T) {
				rng := rand.New(rand.NewSource(int64(worldSize*31 + size)))
				vectors := make([][]float64, worldSize)
				sum := make([]float64, size)
				for i := range vectors {
					vectors[i] = make([]float64, size)
					for j := range vectors[i] {
						vectors[i][j] = rng.NormFloat64()
						sum[j] += vectors[i][j]
					}
				}

				first := runReduction(t, topo, vectors, ReduceMean)
				for i, res := range first[1:] {
					if len(res) != size {
						t.Errorf("result %d has length %d but expected %d", i+1, len(res), size)
						continue
					}
					for j, actual := range res {
						if actual != first[0][j] {
							t.Errorf("result %d is not identical to result 0", i+1)
							break
						}
					}
				}

				for j, total := range sum {
					want := total / float64(worldSize)
					if math.Abs(want-first[0][j]) > 1e-9 {
						t.Errorf("mean is incorrect (expected %f but got %f at component %d)",
							want, first[0][j], j)
						break
					}
				}

				// A second run over the same vectors must be
				// bit-identical, not merely close.
				second := runReduction(t, topo, vectors, ReduceMean)
				for j, actual := range second[0] {
					if actual != first[0][j] {
						t.Errorf("repeated run differs at component %d", j)
						break
					}
				}
			})
		}
	}
}

// runReduction reduces one step across worldSize goroutines and
// returns each rank's result.
func runReduction(t *testing.T, topo Topology, vectors [][]float64, red Reduction) [][]float64 {
	t.Helper()
	group := NewGroup(len(vectors)).WithTopology(topo).WithReduction(red)
	results := make([][]float64, len(vectors))

	var wg sync.WaitGroup
	for rank := range vectors {
		comm := group.Join(rank)
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			res, err := comm.Reduce(0, vectors[rank])
			if err != nil {
				t.Errorf("rank %d: %s", rank, err)
				return
			}
			results[rank] = res
		}(rank)
	}
	wg.Wait()
	return results
}
