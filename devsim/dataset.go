package devsim

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/unixpickle/dist-train/prefetch"
)

// A Regression is a synthetic linear-regression dataset. Sample i is
// derived from a per-index seed, so the dataset occupies no memory,
// is safe for concurrent reads, and is identical on every worker.
type Regression struct {
	// Samples is the dataset length.
	Samples int

	// Weights are the true weights targets are generated from;
	// their length is the input dimension.
	Weights []float64

	// Noise is the standard deviation of the target noise.
	Noise float64

	// Seed namespaces the dataset's randomness.
	Seed int64
}

// Len returns the number of samples.
func (r *Regression) Len() int {
	return r.Samples
}

// At derives sample i.
func (r *Regression) At(i int) (prefetch.Sample, error) {
	seed := uint64(r.Seed) ^ uint64(i)*0x9e3779b97f4a7c15
	rng := rand.New(rand.NewSource(int64(seed)))
	input := make([]float64, len(r.Weights))
	for j := range input {
		input[j] = rng.NormFloat64()
	}
	target := floats.Dot(r.Weights, input) + r.Noise*rng.NormFloat64()
	return prefetch.Sample{Input: input, Target: []float64{target}}, nil
}
