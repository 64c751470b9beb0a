// Package engine drives epoch-level training, validation and final testing
// for the video-quality regression model. The numeric heavy lifting lives
// behind small interfaces (Model, Optimizer, Device, Reducer); the engine
// only orchestrates: per-step schedule application, gradient accumulation
// windows, EMA updates and running-statistics bookkeeping.
package engine

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/renyu12/VideoMamba/optim"
)

// Batch is one group of samples drawn from a data source. Samples is a
// dense tensor with the batch as leading dimension; Targets holds one
// ground-truth value per sample. IDs, Chunks and Splits are bookkeeping for
// the final tester and are nil during training and validation.
type Batch struct {
	Samples *tensors.Tensor
	Targets []float32
	IDs     []string
	Chunks  []int
	Splits  []int
}

// DataSource yields batches for one epoch. Next returns nil when the source
// is exhausted; Reset rewinds it for the next epoch.
type DataSource interface {
	Next() (*Batch, error)
	Reset()
}

// Model is a callable forward pass: samples in, one row of output channels
// per sample out.
type Model interface {
	Forward(samples *tensors.Tensor) ([][]float32, error)
}

// Trainable is a model that can backpropagate a gradient on its selected
// output channel into parameter gradients. outputGrad carries one value per
// sample, the gradient of the loss with respect to output channel 0.
type Trainable interface {
	Model
	Backward(outputGrad []float32) error
	Parameters() []*optim.Parameter
}

// ManagedModel is a model wrapper that owns its optimizer and performs the
// backward pass and (accumulation-aware) optimizer step itself, as
// framework-managed training setups do. Step is invoked once per batch; the
// wrapper decides internally when a real optimizer update happens.
type ManagedModel interface {
	Model
	Backward(outputGrad []float32) error
	Step() error
	ZeroGrad()
	Optimizer() optim.Optimizer
}

// Criterion is a differentiable loss over per-sample predictions.
type Criterion interface {
	Loss(pred, target []float32) float64
	Grad(pred, target []float32) []float32
}

// MSE is mean-squared-error loss.
type MSE struct{}

// Loss implements Criterion.
func (MSE) Loss(pred, target []float32) float64 {
	if len(pred) == 0 {
		return 0
	}
	var sum float64
	for i := range pred {
		d := float64(pred[i]) - float64(target[i])
		sum += d * d
	}
	return sum / float64(len(pred))
}

// Grad implements Criterion: d/dpred of mean((pred-target)^2).
func (MSE) Grad(pred, target []float32) []float32 {
	g := make([]float32, len(pred))
	n := float32(len(pred))
	for i := range pred {
		g[i] = 2 * (pred[i] - target[i]) / n
	}
	return g
}

// EMA tracks an exponential moving average of a model's weights.
type EMA interface {
	Update(m Model)
}

// StepWriter is an optional external logging sink (a tensorboard-style
// writer). Metrics are grouped under a head; Step advances the writer's
// global step counter once per batch.
type StepWriter interface {
	Write(head, name string, value float64)
	Step()
}

// ScaleReporter is the capability query for optimizers that expose an
// internal loss scale. Resolved once at strategy construction; optimizers
// without it report a scale of 0.
type ScaleReporter interface {
	LossScale() float64
}

// RunBatch applies the model to one batch and the criterion to the model's
// first output channel. It has no side effects beyond the forward pass; any
// model or criterion failure propagates unchanged.
func RunBatch(m Model, samples *tensors.Tensor, targets []float32, c Criterion) (float64, [][]float32, error) {
	outputs, err := m.Forward(samples)
	if err != nil {
		return 0, nil, err
	}
	pred, err := selectChannel(outputs, 0)
	if err != nil {
		return 0, nil, err
	}
	if len(pred) != len(targets) {
		return 0, nil, fmt.Errorf("model produced %d outputs for %d targets", len(pred), len(targets))
	}
	return c.Loss(pred, targets), outputs, nil
}

// selectChannel extracts one output channel as a flat per-sample vector.
func selectChannel(outputs [][]float32, ch int) ([]float32, error) {
	out := make([]float32, len(outputs))
	for i, row := range outputs {
		if ch >= len(row) {
			return nil, fmt.Errorf("output row %d has %d channels, need channel %d", i, len(row), ch)
		}
		out[i] = row[ch]
	}
	return out, nil
}

// scaleGrad returns outputGrad multiplied elementwise by factor.
func scaleGrad(outputGrad []float32, factor float64) []float32 {
	out := make([]float32, len(outputGrad))
	f := float32(factor)
	for i, v := range outputGrad {
		out[i] = v * f
	}
	return out
}
