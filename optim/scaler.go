package optim

import "fmt"

// LossScaler implements dynamic loss scaling for reduced-precision
// training. The backward pass runs on a scaled loss so small gradients stay
// representable; at each accumulation-window end the gradients are
// unscaled, checked for overflow and the optimizer stepped. On overflow the
// step is skipped and the scale backs off; after GrowthInterval consecutive
// good steps the scale grows.
type LossScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	goodSteps      int
}

// LossScalerConfig tunes a LossScaler. Zero values use the conventional
// defaults (initial scale 65536, growth 2x, backoff 0.5x, interval 2000).
type LossScalerConfig struct {
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
}

// NewLossScaler creates a LossScaler.
func NewLossScaler(cfg LossScalerConfig) *LossScaler {
	if cfg.InitScale == 0 {
		cfg.InitScale = 65536
	}
	if cfg.GrowthFactor == 0 {
		cfg.GrowthFactor = 2
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = 0.5
	}
	if cfg.GrowthInterval == 0 {
		cfg.GrowthInterval = 2000
	}
	return &LossScaler{
		scale:          cfg.InitScale,
		growthFactor:   cfg.GrowthFactor,
		backoffFactor:  cfg.BackoffFactor,
		growthInterval: cfg.GrowthInterval,
	}
}

// Scale returns the current loss scale.
func (s *LossScaler) Scale() float64 { return s.scale }

// State exposes the scaler's serializable state; the "scale" key carries
// the current loss scale.
func (s *LossScaler) State() map[string]float64 {
	return map[string]float64{"scale": s.scale}
}

// Step runs one scaled backward pass and, when update is true, unscales the
// accumulated gradients, optionally clips them to clipNorm and steps the
// optimizer. backward must accumulate gradients of the loss multiplied by
// the provided factor. The returned gradNorm is only meaningful when
// hasNorm is true (an update step with clipping requested).
func (s *LossScaler) Step(backward func(scale float64) error, opt Optimizer, clipNorm float64, update bool) (gradNorm float64, hasNorm bool, err error) {
	if err := backward(s.scale); err != nil {
		return 0, false, fmt.Errorf("scaled backward pass failed: %w", err)
	}
	if !update {
		return 0, false, nil
	}

	groups := opt.ParamGroups()
	inv := float32(1.0 / s.scale)
	for _, g := range groups {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] *= inv
			}
		}
	}

	if !gradsFinite(groups) {
		// Overflow: skip this step and back off.
		opt.ZeroGrad()
		s.scale *= s.backoffFactor
		s.goodSteps = 0
		return 0, false, nil
	}

	if clipNorm > 0 {
		gradNorm = ClipGradNorm(groups, clipNorm)
		hasNorm = true
	}
	opt.Step()

	s.goodSteps++
	if s.goodSteps >= s.growthInterval {
		s.scale *= s.growthFactor
		s.goodSteps = 0
	}
	return gradNorm, hasNorm, nil
}
