package devsim

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/unixpickle/dist-train/prefetch"
	"github.com/unixpickle/dist-train/train"
)

// A Linear is a least-squares linear model: one weight per input
// dimension, mean squared error loss, analytic gradients. Tests and
// benchmarks use it as their model.
type Linear struct {
	weights []float64

	// Forward state consumed by the next Backward call.
	batch *prefetch.Batch
	preds []float64
}

// NewLinear creates a model that owns params as its weights.
func NewLinear(params []float64) *Linear {
	return &Linear{weights: params}
}

// Weights returns the model's parameter vector. The caller must not
// modify it while a run is in flight.
func (l *Linear) Weights() []float64 {
	return l.weights
}

// Forward computes the batch's mean squared error.
func (l *Linear) Forward(b *prefetch.Batch) (float64, error) {
	if b.Size() == 0 {
		return 0, errors.New("empty batch")
	}
	preds := make([]float64, b.Size())
	loss := 0.0
	for i, input := range b.Inputs {
		if len(input) != len(l.weights) {
			return 0, errors.Errorf("sample has %d features, model has %d weights",
				len(input), len(l.weights))
		}
		preds[i] = floats.Dot(l.weights, input)
		diff := preds[i] - b.Targets[i][0]
		loss += diff * diff
	}
	l.batch = b
	l.preds = preds
	return loss / float64(b.Size()), nil
}

// Backward computes the gradient of the last Forward call's loss
// with respect to the weights.
func (l *Linear) Backward(loss float64) ([]float64, error) {
	if l.batch == nil {
		return nil, errors.New("Backward called before Forward")
	}
	b := l.batch
	grads := make([]float64, len(l.weights))
	for i, input := range b.Inputs {
		diff := l.preds[i] - b.Targets[i][0]
		floats.AddScaled(grads, 2*diff/float64(b.Size()), input)
	}
	l.batch = nil
	l.preds = nil
	return grads, nil
}

// An SGD applies plain stochastic gradient descent to a Linear
// model.
type SGD struct {
	Model *Linear
	LR    float64
}

// Step applies one update with the synchronized gradients.
func (s *SGD) Step(grads []float64) error {
	if len(grads) != len(s.Model.weights) {
		return errors.Errorf("got %d gradients for %d weights", len(grads), len(s.Model.weights))
	}
	floats.AddScaled(s.Model.weights, -s.LR, grads)
	return nil
}

// Replica returns a train.ReplicaFactory that builds a Linear model
// and SGD optimizer per rank from the run's parameter snapshot.
func Replica(lr float64) train.ReplicaFactory {
	return func(rank int, params []float64, device prefetch.Device) (train.Model, train.Optimizer, error) {
		model := NewLinear(params)
		return model, &SGD{Model: model, LR: lr}, nil
	}
}
