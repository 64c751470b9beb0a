package engine

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"

	"github.com/renyu12/VideoMamba/optim"
)

// fakeTrainable records backward calls and writes a fixed gradient into its
// parameter.
type fakeTrainable struct {
	param     *optim.Parameter
	gradValue float32
	backGrads [][]float32
}

func newFakeTrainable(gradValue float32) *fakeTrainable {
	return &fakeTrainable{
		param:     optim.NewParameter([]float32{1, 2}),
		gradValue: gradValue,
	}
}

func (f *fakeTrainable) Forward(t *tensors.Tensor) ([][]float32, error) {
	rows := t.Value().([][]float32)
	out := make([][]float32, len(rows))
	for i := range out {
		out[i] = []float32{0}
	}
	return out, nil
}

func (f *fakeTrainable) Backward(outputGrad []float32) error {
	f.backGrads = append(f.backGrads, outputGrad)
	for i := range f.param.Grad {
		f.param.Grad[i] += f.gradValue
	}
	return nil
}

func (f *fakeTrainable) Parameters() []*optim.Parameter {
	return []*optim.Parameter{f.param}
}

// fakeManaged is a ManagedModel built around a fakeTrainable.
type fakeManaged struct {
	fakeTrainable
	opt      optim.Optimizer
	steps    int
	zeros    int
	stepErrs []error
}

func (f *fakeManaged) Step() error {
	f.steps++
	if len(f.stepErrs) > 0 {
		err := f.stepErrs[0]
		f.stepErrs = f.stepErrs[1:]
		return err
	}
	return nil
}

func (f *fakeManaged) ZeroGrad()                 { f.zeros++ }
func (f *fakeManaged) Optimizer() optim.Optimizer { return f.opt }

// trackingOpt counts steps and zeroes.
type trackingOpt struct {
	groups []*optim.ParamGroup
	steps  int
	zeros  int
}

func (o *trackingOpt) ParamGroups() []*optim.ParamGroup { return o.groups }
func (o *trackingOpt) Step()                            { o.steps++ }
func (o *trackingOpt) ZeroGrad() {
	o.zeros++
	for _, g := range o.groups {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] = 0
			}
		}
	}
}

// scaleOpt exposes a loss scale; panicky ones panic on read.
type scaleOpt struct {
	trackingOpt
	scale   float64
	panicky bool
}

func (o *scaleOpt) LossScale() float64 {
	if o.panicky {
		panic("scale unavailable")
	}
	return o.scale
}

// countingEMA counts Update calls.
type countingEMA struct{ updates int }

func (e *countingEMA) Update(Model) { e.updates++ }

func TestScaleProbe(t *testing.T) {
	plain := &trackingOpt{}
	require.Zero(t, scaleProbe(plain)())

	reporting := &scaleOpt{scale: 128}
	require.Equal(t, 128.0, scaleProbe(reporting)())

	broken := &scaleOpt{panicky: true}
	require.Zero(t, scaleProbe(broken)())
}

func TestManagedStrategyStepsEveryBatch(t *testing.T) {
	m := &fakeManaged{fakeTrainable: *newFakeTrainable(1), opt: &scaleOpt{scale: 256}}
	ema := &countingEMA{}
	strat, err := NewManagedStrategy(m, ema, 2)
	require.NoError(t, err)

	grad := []float32{1, 1}
	for i := 0; i < 4; i++ {
		res, err := strat.Apply(grad, (i+1)%2 == 0)
		require.NoError(t, err)
		require.Equal(t, 256.0, res.LossScale)
		require.False(t, res.HasGradNorm)
	}
	// the wrapper is stepped on every batch; EMA only at window ends
	require.Equal(t, 4, m.steps)
	require.Equal(t, 2, ema.updates)
	// gradients are pre-divided by the update frequency
	require.Len(t, m.backGrads, 4)
	require.InDelta(t, 0.5, m.backGrads[0][0], 1e-6)
}

func TestManagedStrategyScaleProbedOnce(t *testing.T) {
	// the probe binds to the optimizer present at construction; replacing
	// the wrapper's optimizer afterwards has no effect
	o := &scaleOpt{scale: 64}
	m := &fakeManaged{fakeTrainable: *newFakeTrainable(1), opt: o}
	strat, err := NewManagedStrategy(m, nil, 1)
	require.NoError(t, err)

	m.opt = &scaleOpt{scale: 999}
	res, err := strat.Apply([]float32{1}, true)
	require.NoError(t, err)
	require.Equal(t, 64.0, res.LossScale)
}

func TestScaledStrategyAccumulatesAndSteps(t *testing.T) {
	m := newFakeTrainable(0.5)
	opt := &trackingOpt{groups: []*optim.ParamGroup{{Params: []*optim.Parameter{m.param}}}}
	scaler := optim.NewLossScaler(optim.LossScalerConfig{InitScale: 4})
	ema := &countingEMA{}
	strat, err := NewScaledStrategy(m, opt, scaler, 0, 2, ema)
	require.NoError(t, err)

	res, err := strat.Apply([]float32{1}, false)
	require.NoError(t, err)
	require.Equal(t, 4.0, res.LossScale)
	require.Zero(t, opt.steps)
	require.Zero(t, opt.zeros)

	res, err = strat.Apply([]float32{1}, true)
	require.NoError(t, err)
	require.Equal(t, 1, opt.steps)
	require.Equal(t, 1, opt.zeros)
	require.Equal(t, 1, ema.updates)
	require.False(t, res.HasGradNorm)
	// backward saw the scale divided by the update frequency
	require.InDelta(t, 2.0, m.backGrads[0][0], 1e-6)
}

func TestScaledStrategySkipsOnOverflow(t *testing.T) {
	m := newFakeTrainable(float32(math.Inf(1)))
	opt := &trackingOpt{groups: []*optim.ParamGroup{{Params: []*optim.Parameter{m.param}}}}
	scaler := optim.NewLossScaler(optim.LossScalerConfig{InitScale: 8})
	strat, err := NewScaledStrategy(m, opt, scaler, 0, 1, nil)
	require.NoError(t, err)

	res, err := strat.Apply([]float32{1}, true)
	require.NoError(t, err)
	require.Zero(t, opt.steps)
	// scale backed off after the skipped step
	require.Equal(t, 4.0, res.LossScale)
}

func TestPlainStrategyClipsOnlyWhenConfigured(t *testing.T) {
	m := newFakeTrainable(3)
	opt := &trackingOpt{groups: []*optim.ParamGroup{{Params: []*optim.Parameter{m.param}}}}
	strat, err := NewPlainStrategy(m, opt, 0, 1, nil)
	require.NoError(t, err)

	res, err := strat.Apply([]float32{1}, true)
	require.NoError(t, err)
	require.False(t, res.HasGradNorm)
	require.Equal(t, 1, opt.steps)

	clipped, err := NewPlainStrategy(m, opt, 1.0, 1, nil)
	require.NoError(t, err)
	res, err = clipped.Apply([]float32{1}, true)
	require.NoError(t, err)
	require.True(t, res.HasGradNorm)
	// grad is (3,3) after one accumulation, norm sqrt(18)
	require.InDelta(t, math.Sqrt(18), res.GradNorm, 1e-5)
}

func TestStrategyConstructorsRejectNil(t *testing.T) {
	_, err := NewManagedStrategy(nil, nil, 1)
	require.Error(t, err)
	_, err = NewScaledStrategy(nil, &trackingOpt{}, optim.NewLossScaler(optim.LossScalerConfig{}), 0, 1, nil)
	require.Error(t, err)
	_, err = NewPlainStrategy(newFakeTrainable(0), nil, 0, 1, nil)
	require.Error(t, err)
}
