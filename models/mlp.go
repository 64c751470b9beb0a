// Package models holds the reference model implementations that exercise
// the training engine end to end: a small MLP regressor with explicit
// backpropagation, a framework-managed wrapper that owns its optimizer, and
// an EMA weight tracker.
package models

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/renyu12/VideoMamba/optim"
)

// MLPConfig configures an MLP regressor.
type MLPConfig struct {
	// InputDim is the per-sample feature dimension.
	InputDim int

	// OutputDim is the number of output channels. The engine reads channel
	// 0; extra channels are trained with zero gradient. Defaults to 1.
	OutputDim int

	// HiddenSizes lists the hidden layer widths. If empty, a single hidden
	// layer of size 64 is used.
	HiddenSizes []int

	// Seed controls weight initialization. Zero picks an arbitrary seed.
	Seed int64
}

// MLP is a fully-connected regressor with ReLU hidden activations and a
// linear output layer. Forward caches activations so Backward can
// accumulate parameter gradients for the most recent batch.
type MLP struct {
	cfg   MLPConfig
	sizes []int

	// weights[l] is the flat [out*in] matrix for layer l; biases[l] has
	// length out.
	weights []*optim.Parameter
	biases  []*optim.Parameter

	// forward cache, overwritten every batch
	lastInputs [][]float32
	lastPre    [][][]float32
	lastActs   [][][]float32
}

// NewMLP creates an MLP with Xavier-style random initialization.
func NewMLP(cfg MLPConfig) (*MLP, error) {
	if cfg.InputDim <= 0 {
		return nil, errors.New("model needs a positive input dimension")
	}
	if cfg.OutputDim == 0 {
		cfg.OutputDim = 1
	}
	if len(cfg.HiddenSizes) == 0 {
		cfg.HiddenSizes = []int{64}
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, cfg.InputDim)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, cfg.OutputDim)

	m := &MLP{cfg: cfg, sizes: sizes}
	L := len(sizes) - 1
	m.weights = make([]*optim.Parameter, L)
	m.biases = make([]*optim.Parameter, L)
	for l := 0; l < L; l++ {
		in := sizes[l]
		out := sizes[l+1]
		w := make([]float32, out*in)
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		for i := range w {
			w[i] = (rng.Float32()*2.0 - 1.0) * limit * 0.5
		}
		m.weights[l] = optim.NewParameter(w)
		m.biases[l] = optim.NewParameter(make([]float32, out))
	}
	return m, nil
}

// Forward runs the batch through the network. samples must be a 2D float32
// tensor of shape [batch][InputDim].
func (m *MLP) Forward(samples *tensors.Tensor) ([][]float32, error) {
	rows, ok := samples.Value().([][]float32)
	if !ok {
		return nil, fmt.Errorf("expected a [batch][features] float32 tensor, got %T", samples.Value())
	}
	L := len(m.weights)
	m.lastInputs = rows
	m.lastPre = make([][][]float32, len(rows))
	m.lastActs = make([][][]float32, len(rows))

	outputs := make([][]float32, len(rows))
	for s, input := range rows {
		if len(input) != m.sizes[0] {
			return nil, fmt.Errorf("sample %d has %d features, want %d", s, len(input), m.sizes[0])
		}
		pre := make([][]float32, L)
		acts := make([][]float32, L+1)
		acts[0] = input
		for l := 0; l < L; l++ {
			in := m.sizes[l]
			out := m.sizes[l+1]
			w := m.weights[l].Data
			b := m.biases[l].Data
			z := make([]float32, out)
			for j := 0; j < out; j++ {
				sum := b[j]
				row := w[j*in : (j+1)*in]
				for i := 0; i < in; i++ {
					sum += row[i] * acts[l][i]
				}
				z[j] = sum
			}
			pre[l] = z
			a := make([]float32, out)
			copy(a, z)
			if l < L-1 {
				relu(a)
			}
			acts[l+1] = a
		}
		m.lastPre[s] = pre
		m.lastActs[s] = acts
		outputs[s] = acts[L]
	}
	return outputs, nil
}

// Backward accumulates parameter gradients for the most recent Forward
// batch. outputGrad carries one value per sample: the loss gradient on
// output channel 0.
func (m *MLP) Backward(outputGrad []float32) error {
	if m.lastActs == nil {
		return errors.New("backward called before forward")
	}
	if len(outputGrad) != len(m.lastActs) {
		return fmt.Errorf("gradient has %d entries for a batch of %d", len(outputGrad), len(m.lastActs))
	}
	L := len(m.weights)
	for s := range m.lastActs {
		acts := m.lastActs[s]
		pre := m.lastPre[s]

		// gradient flows only into the selected channel
		delta := make([]float32, m.sizes[L])
		delta[0] = outputGrad[s]

		for l := L - 1; l >= 0; l-- {
			in := m.sizes[l]
			out := m.sizes[l+1]
			w := m.weights[l].Data
			gw := m.weights[l].Grad
			gb := m.biases[l].Grad
			for j := 0; j < out; j++ {
				gb[j] += delta[j]
				base := j * in
				for i := 0; i < in; i++ {
					gw[base+i] += delta[j] * acts[l][i]
				}
			}
			if l > 0 {
				next := make([]float32, in)
				for i := 0; i < in; i++ {
					var sum float32
					for j := 0; j < out; j++ {
						sum += w[j*in+i] * delta[j]
					}
					if pre[l-1][i] <= 0 {
						sum = 0
					}
					next[i] = sum
				}
				delta = next
			}
		}
	}
	return nil
}

// Parameters returns all trainable parameters, weights then biases, layer
// by layer.
func (m *MLP) Parameters() []*optim.Parameter {
	out := make([]*optim.Parameter, 0, 2*len(m.weights))
	for l := range m.weights {
		out = append(out, m.weights[l])
	}
	for l := range m.biases {
		out = append(out, m.biases[l])
	}
	return out
}

// ParamGroups splits the parameters into the conventional two groups:
// weights with weight decay, biases without. The engine's schedule tables
// overwrite LR and WeightDecay per step.
func (m *MLP) ParamGroups(lr, weightDecay float64) []*optim.ParamGroup {
	weights := &optim.ParamGroup{LR: lr, WeightDecay: weightDecay}
	biases := &optim.ParamGroup{LR: lr}
	for l := range m.weights {
		weights.Params = append(weights.Params, m.weights[l])
	}
	for l := range m.biases {
		biases.Params = append(biases.Params, m.biases[l])
	}
	return []*optim.ParamGroup{weights, biases}
}

func relu(x []float32) {
	for i := range x {
		if x[i] < 0 {
			x[i] = 0
		}
	}
}
