package engine

import (
	"errors"

	"github.com/renyu12/VideoMamba/optim"
)

// StepResult reports what one batch's gradient update produced. GradNorm is
// only meaningful when HasGradNorm is set (a clipped update step happened).
type StepResult struct {
	LossScale   float64
	GradNorm    float64
	HasGradNorm bool
}

// UpdateStrategy applies one batch's gradient update. outputGrad is the
// loss gradient on the model's selected output channel, not yet normalized
// by the accumulation window length; update reports whether this batch
// closes an accumulation window. Exactly one strategy is selected at setup:
// framework-managed, scaled or plain.
type UpdateStrategy interface {
	Apply(outputGrad []float32, update bool) (StepResult, error)
}

// GradScaler is the gradient-scaling helper consumed by the scaled
// strategy. optim.LossScaler is the concrete implementation.
type GradScaler interface {
	Step(backward func(scale float64) error, opt optim.Optimizer, clipNorm float64, update bool) (gradNorm float64, hasNorm bool, err error)
	Scale() float64
}

// ManagedStrategy delegates the backward pass and optimizer stepping to a
// model wrapper that owns its optimizer. The engine only normalizes the
// gradient by the update frequency and updates the EMA at window ends. The
// loss scale is read from the wrapper's optimizer when it exposes one.
type ManagedStrategy struct {
	model      ManagedModel
	ema        EMA
	updateFreq int
	scale      func() float64
}

// NewManagedStrategy builds the framework-managed update strategy.
func NewManagedStrategy(m ManagedModel, ema EMA, updateFreq int) (*ManagedStrategy, error) {
	if m == nil {
		return nil, errors.New("managed strategy needs a model")
	}
	if updateFreq < 1 {
		updateFreq = 1
	}
	return &ManagedStrategy{
		model:      m,
		ema:        ema,
		updateFreq: updateFreq,
		scale:      scaleProbe(m.Optimizer()),
	}, nil
}

// Apply implements UpdateStrategy.
func (s *ManagedStrategy) Apply(outputGrad []float32, update bool) (StepResult, error) {
	grad := scaleGrad(outputGrad, 1/float64(s.updateFreq))
	if err := s.model.Backward(grad); err != nil {
		return StepResult{}, err
	}
	if err := s.model.Step(); err != nil {
		return StepResult{}, err
	}
	if update && s.ema != nil {
		s.ema.Update(s.model)
	}
	return StepResult{LossScale: s.scale()}, nil
}

// scaleProbe resolves, once, how to read an optimizer's internal loss
// scale. Optimizers without the capability, and probes that panic, report
// 0.
func scaleProbe(opt optim.Optimizer) func() float64 {
	sr, ok := opt.(ScaleReporter)
	if !ok {
		return func() float64 { return 0 }
	}
	return func() (v float64) {
		defer func() {
			if recover() != nil {
				v = 0
			}
		}()
		return sr.LossScale()
	}
}

// ScaledStrategy routes the backward pass through a gradient-scaling
// helper, which unscales, optionally clips and conditionally steps the
// optimizer at accumulation-window ends.
type ScaledStrategy struct {
	model      Trainable
	opt        optim.Optimizer
	scaler     GradScaler
	clipNorm   float64
	updateFreq int
	ema        EMA
}

// NewScaledStrategy builds the scaled-gradient update strategy.
func NewScaledStrategy(m Trainable, opt optim.Optimizer, scaler GradScaler, clipNorm float64, updateFreq int, ema EMA) (*ScaledStrategy, error) {
	if m == nil || opt == nil || scaler == nil {
		return nil, errors.New("scaled strategy needs a model, an optimizer and a scaler")
	}
	if updateFreq < 1 {
		updateFreq = 1
	}
	return &ScaledStrategy{
		model:      m,
		opt:        opt,
		scaler:     scaler,
		clipNorm:   clipNorm,
		updateFreq: updateFreq,
		ema:        ema,
	}, nil
}

// Apply implements UpdateStrategy.
func (s *ScaledStrategy) Apply(outputGrad []float32, update bool) (StepResult, error) {
	backward := func(scale float64) error {
		return s.model.Backward(scaleGrad(outputGrad, scale/float64(s.updateFreq)))
	}
	gradNorm, hasNorm, err := s.scaler.Step(backward, s.opt, s.clipNorm, update)
	if err != nil {
		return StepResult{}, err
	}
	if update {
		s.opt.ZeroGrad()
		if s.ema != nil {
			s.ema.Update(s.model)
		}
	}
	return StepResult{
		LossScale:   s.scaler.Scale(),
		GradNorm:    gradNorm,
		HasGradNorm: hasNorm,
	}, nil
}

// PlainStrategy runs the backward pass directly and steps the optimizer at
// accumulation-window ends, with optional gradient-norm clipping. The loss
// scale is reported as 0.
type PlainStrategy struct {
	model      Trainable
	opt        optim.Optimizer
	clipNorm   float64
	updateFreq int
	ema        EMA
}

// NewPlainStrategy builds the plain-optimizer update strategy.
func NewPlainStrategy(m Trainable, opt optim.Optimizer, clipNorm float64, updateFreq int, ema EMA) (*PlainStrategy, error) {
	if m == nil || opt == nil {
		return nil, errors.New("plain strategy needs a model and an optimizer")
	}
	if updateFreq < 1 {
		updateFreq = 1
	}
	return &PlainStrategy{
		model:      m,
		opt:        opt,
		clipNorm:   clipNorm,
		updateFreq: updateFreq,
		ema:        ema,
	}, nil
}

// Apply implements UpdateStrategy.
func (s *PlainStrategy) Apply(outputGrad []float32, update bool) (StepResult, error) {
	grad := scaleGrad(outputGrad, 1/float64(s.updateFreq))
	if err := s.model.Backward(grad); err != nil {
		return StepResult{}, err
	}
	var res StepResult
	if update {
		if s.clipNorm > 0 {
			res.GradNorm = optim.ClipGradNorm(s.opt.ParamGroups(), s.clipNorm)
			res.HasGradNorm = true
		}
		s.opt.Step()
		s.opt.ZeroGrad()
		if s.ema != nil {
			s.ema.Update(s.model)
		}
	}
	return res, nil
}
