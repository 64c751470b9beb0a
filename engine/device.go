package engine

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/x448/float16"
)

// Precision selects the numeric width samples are cast to before the
// forward pass.
type Precision int

const (
	// Full keeps samples in 32-bit float.
	Full Precision = iota
	// Half quantizes samples through IEEE float16.
	Half
	// BFloat16 truncates samples to bfloat16.
	BFloat16
)

// Autocast wraps a forward/loss computation in a reduced-precision numeric
// context. The concrete context comes from the compute backend; the engine
// only threads it through.
type Autocast func(fn func() error) error

// Device is the compute placement collaborator: it moves batches to the
// accelerator, casts them to a reduced precision and provides the per-batch
// synchronization barrier that makes timing and statistics observe
// completed work.
type Device interface {
	Transfer(t *tensors.Tensor) (*tensors.Tensor, error)
	Cast(t *tensors.Tensor, p Precision) (*tensors.Tensor, error)
	Synchronize()
}

// CPU is the host-memory Device. Transfer and Synchronize are no-ops; Cast
// round-trips values through the requested reduced precision so numeric
// behavior matches an accelerator that computes in that width.
type CPU struct{}

// Transfer implements Device.
func (CPU) Transfer(t *tensors.Tensor) (*tensors.Tensor, error) { return t, nil }

// Synchronize implements Device.
func (CPU) Synchronize() {}

// Cast implements Device for 2D float32 tensors; other shapes pass through
// unchanged.
func (CPU) Cast(t *tensors.Tensor, p Precision) (*tensors.Tensor, error) {
	if p == Full || t == nil {
		return t, nil
	}
	rows, ok := t.Value().([][]float32)
	if !ok {
		return t, nil
	}
	out := make([][]float32, len(rows))
	for i, row := range rows {
		cast := make([]float32, len(row))
		for j, v := range row {
			switch p {
			case Half:
				cast[j] = float16.Fromfloat32(v).Float32()
			case BFloat16:
				cast[j] = truncateBF16(v)
			}
		}
		out[i] = cast
	}
	return tensors.FromAnyValue(out), nil
}

// truncateBF16 drops the low 16 mantissa bits of a float32, which is the
// bfloat16 representable value.
func truncateBF16(v float32) float32 {
	bits := math.Float32bits(v)
	return math.Float32frombits(bits &^ 0xFFFF)
}
