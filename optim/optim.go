// Package optim provides the optimizer side of the training contract:
// parameters with accumulated gradients, parameter groups carrying
// per-group learning rate and weight decay, SGD and Adam updates, gradient
// norm clipping and a dynamic loss scaler for reduced-precision training.
package optim

import (
	"errors"
	"math"
)

// Parameter is a flat tensor of trainable values plus its accumulated
// gradient. Backward passes add into Grad; optimizers consume Grad on Step
// and callers reset it with ZeroGrad between accumulation windows.
type Parameter struct {
	Data []float32
	Grad []float32
}

// NewParameter wraps data as a trainable parameter with a zeroed gradient.
func NewParameter(data []float32) *Parameter {
	return &Parameter{
		Data: data,
		Grad: make([]float32, len(data)),
	}
}

// ZeroGrad resets the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// ParamGroup is a set of parameters sharing hyperparameters. LR and
// WeightDecay are overwritten by the engine from the schedule tables; a
// nonzero LRScale multiplies the scheduled learning rate for this group.
type ParamGroup struct {
	Params      []*Parameter
	LR          float64
	WeightDecay float64
	LRScale     float64
}

// Optimizer is the update rule applied at the end of each accumulation
// window. ParamGroups exposes the live groups so that schedules can mutate
// LR and WeightDecay in place.
type Optimizer interface {
	ParamGroups() []*ParamGroup
	Step()
	ZeroGrad()
}

// SGD is plain stochastic gradient descent with decoupled weight decay.
type SGD struct {
	groups []*ParamGroup
}

// NewSGD creates an SGD optimizer over the given parameter groups.
func NewSGD(groups []*ParamGroup) (*SGD, error) {
	if len(groups) == 0 {
		return nil, errors.New("optimizer needs at least one parameter group")
	}
	return &SGD{groups: groups}, nil
}

// ParamGroups implements Optimizer.
func (o *SGD) ParamGroups() []*ParamGroup { return o.groups }

// Step applies one SGD update using each group's current LR and weight
// decay. Gradients are left in place; call ZeroGrad to clear them.
func (o *SGD) Step() {
	for _, g := range o.groups {
		lr := float32(g.LR)
		wd := float32(g.WeightDecay)
		for _, p := range g.Params {
			for i := range p.Data {
				d := p.Grad[i]
				if wd > 0 {
					d += wd * p.Data[i]
				}
				p.Data[i] -= lr * d
			}
		}
	}
}

// ZeroGrad implements Optimizer.
func (o *SGD) ZeroGrad() {
	for _, g := range o.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// AdamConfig holds Adam hyperparameters. Zero values fall back to the usual
// defaults (0.9, 0.999, 1e-8).
type AdamConfig struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// Adam is the Adam update rule with decoupled weight decay and per-group
// scheduled learning rates.
type Adam struct {
	cfg    AdamConfig
	groups []*ParamGroup
	m      map[*Parameter][]float32
	v      map[*Parameter][]float32
	t      int
}

// NewAdam creates an Adam optimizer over the given parameter groups.
func NewAdam(groups []*ParamGroup, cfg AdamConfig) (*Adam, error) {
	if len(groups) == 0 {
		return nil, errors.New("optimizer needs at least one parameter group")
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}
	a := &Adam{
		cfg:    cfg,
		groups: groups,
		m:      make(map[*Parameter][]float32),
		v:      make(map[*Parameter][]float32),
	}
	for _, g := range groups {
		for _, p := range g.Params {
			a.m[p] = make([]float32, len(p.Data))
			a.v[p] = make([]float32, len(p.Data))
		}
	}
	return a, nil
}

// ParamGroups implements Optimizer.
func (a *Adam) ParamGroups() []*ParamGroup { return a.groups }

// Step applies one Adam update with bias correction.
func (a *Adam) Step() {
	a.t++
	b1 := a.cfg.Beta1
	b2 := a.cfg.Beta2
	corr1 := 1.0 - math.Pow(b1, float64(a.t))
	corr2 := 1.0 - math.Pow(b2, float64(a.t))
	for _, g := range a.groups {
		lr := g.LR
		wd := float32(g.WeightDecay)
		for _, p := range g.Params {
			mBuf := a.m[p]
			vBuf := a.v[p]
			for i := range p.Data {
				grad := float64(p.Grad[i])
				mBuf[i] = float32(b1*float64(mBuf[i]) + (1-b1)*grad)
				vBuf[i] = float32(b2*float64(vBuf[i]) + (1-b2)*grad*grad)
				mHat := float64(mBuf[i]) / corr1
				vHat := float64(vBuf[i]) / corr2
				upd := lr * mHat / (math.Sqrt(vHat) + a.cfg.Epsilon)
				if wd > 0 {
					upd += lr * float64(wd) * float64(p.Data[i])
				}
				p.Data[i] -= float32(upd)
			}
		}
	}
}

// ZeroGrad implements Optimizer.
func (a *Adam) ZeroGrad() {
	for _, g := range a.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}
