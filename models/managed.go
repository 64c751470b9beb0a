package models

import (
	"errors"

	"github.com/renyu12/VideoMamba/optim"
)

// Managed wraps an MLP together with its optimizer the way
// framework-managed training setups do: the engine calls Backward and Step
// once per batch and the wrapper decides internally when a real optimizer
// update happens, based on its accumulation window.
type Managed struct {
	*MLP
	opt        optim.Optimizer
	updateFreq int
	microSteps int
}

// NewManaged builds a managed wrapper around model and opt with the given
// accumulation window length.
func NewManaged(model *MLP, opt optim.Optimizer, updateFreq int) (*Managed, error) {
	if model == nil || opt == nil {
		return nil, errors.New("managed model needs a model and an optimizer")
	}
	if updateFreq < 1 {
		updateFreq = 1
	}
	return &Managed{MLP: model, opt: opt, updateFreq: updateFreq}, nil
}

// Step counts one micro step and applies the optimizer update at
// accumulation-window ends.
func (d *Managed) Step() error {
	d.microSteps++
	if d.microSteps%d.updateFreq == 0 {
		d.opt.Step()
		d.opt.ZeroGrad()
	}
	return nil
}

// ZeroGrad clears gradients and resets the micro-step counter.
func (d *Managed) ZeroGrad() {
	d.opt.ZeroGrad()
	d.microSteps = 0
}

// Optimizer exposes the wrapped optimizer.
func (d *Managed) Optimizer() optim.Optimizer { return d.opt }
