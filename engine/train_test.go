package engine_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"

	"github.com/renyu12/VideoMamba/datasets"
	"github.com/renyu12/VideoMamba/engine"
	"github.com/renyu12/VideoMamba/metrics"
	"github.com/renyu12/VideoMamba/optim"
	"github.com/renyu12/VideoMamba/schedule"
)

// stubModel is a Trainable with a programmable forward pass.
type stubModel struct {
	out       func(rows [][]float32) [][]float32
	backCalls int
	params    []*optim.Parameter
}

func newStubModel(out func(rows [][]float32) [][]float32) *stubModel {
	return &stubModel{
		out:    out,
		params: []*optim.Parameter{optim.NewParameter(make([]float32, 2))},
	}
}

func (s *stubModel) Forward(t *tensors.Tensor) ([][]float32, error) {
	rows, ok := t.Value().([][]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected tensor payload %T", t.Value())
	}
	return s.out(rows), nil
}

func (s *stubModel) Backward(outputGrad []float32) error {
	s.backCalls++
	for _, p := range s.params {
		for i := range p.Grad {
			p.Grad[i] += 0.1
		}
	}
	return nil
}

func (s *stubModel) Parameters() []*optim.Parameter { return s.params }

// countingOpt is an Optimizer that counts updates.
type countingOpt struct {
	groups []*optim.ParamGroup
	steps  int
	zeros  int
}

func newCountingOpt(groups ...*optim.ParamGroup) *countingOpt {
	if len(groups) == 0 {
		groups = []*optim.ParamGroup{{Params: []*optim.Parameter{optim.NewParameter(make([]float32, 2))}}}
	}
	return &countingOpt{groups: groups}
}

func (c *countingOpt) ParamGroups() []*optim.ParamGroup { return c.groups }
func (c *countingOpt) Step()                            { c.steps++ }
func (c *countingOpt) ZeroGrad()                        { c.zeros++ }

// constModel returns a model that always predicts v on channel 0.
func constModel(v float32) *stubModel {
	return newStubModel(func(rows [][]float32) [][]float32 {
		out := make([][]float32, len(rows))
		for i := range rows {
			out[i] = []float32{v}
		}
		return out
	})
}

func makeBatches(n, batchSize int) []engine.Batch {
	batches := make([]engine.Batch, n)
	for b := range batches {
		rows := make([][]float32, batchSize)
		targets := make([]float32, batchSize)
		for i := range rows {
			rows[i] = []float32{1, 2}
			targets[i] = 1
		}
		batches[b] = engine.Batch{Samples: tensors.FromAnyValue(rows), Targets: targets}
	}
	return batches
}

func TestTrainOneEpochStepCountPerWindow(t *testing.T) {
	const steps, freq = 3, 4
	m := constModel(0.5)
	opt := newCountingOpt()
	strat, err := engine.NewPlainStrategy(m, opt, 0, freq, nil)
	require.NoError(t, err)

	src := datasets.NewSliceSource(makeBatches(steps*freq, 2))
	stats, err := engine.TrainOneEpoch(m, engine.MSE{}, src, opt, engine.CPU{}, strat, metrics.NopReducer{}, engine.TrainConfig{
		StepsPerEpoch: steps,
		UpdateFreq:    freq,
		NoAMP:         true,
	})
	require.NoError(t, err)
	// one optimizer step per accumulation window, not per raw batch
	require.Equal(t, steps, opt.steps)
	require.Equal(t, steps*freq, m.backCalls)
	require.Contains(t, stats, "loss")
	require.Contains(t, stats, "loss_scale")
	require.Contains(t, stats, "lr")
	require.Contains(t, stats, "min_lr")
}

func TestTrainOneEpochMicroBatchDiscard(t *testing.T) {
	m := constModel(0.5)
	opt := newCountingOpt()
	strat, err := engine.NewPlainStrategy(m, opt, 0, 1, nil)
	require.NoError(t, err)

	// 5 batches but only 2 steps per epoch: the rest are consumed as no-ops
	src := datasets.NewSliceSource(makeBatches(5, 2))
	_, err = engine.TrainOneEpoch(m, engine.MSE{}, src, opt, engine.CPU{}, strat, metrics.NopReducer{}, engine.TrainConfig{
		StepsPerEpoch: 2,
		UpdateFreq:    1,
		NoAMP:         true,
	})
	require.NoError(t, err)
	require.Equal(t, 2, opt.steps)
	require.Equal(t, 2, m.backCalls)
}

func TestTrainOneEpochAppliesSchedule(t *testing.T) {
	m := constModel(0.5)
	scaled := &optim.ParamGroup{Params: []*optim.Parameter{optim.NewParameter(make([]float32, 1))}, LRScale: 0.5}
	plain := &optim.ParamGroup{Params: []*optim.Parameter{optim.NewParameter(make([]float32, 1))}, WeightDecay: 0.01}
	opt := newCountingOpt(scaled, plain)
	strat, err := engine.NewPlainStrategy(m, opt, 0, 1, nil)
	require.NoError(t, err)

	lr := schedule.Schedule{0.1, 0.2, 0.3, 0.4}
	wd := schedule.Schedule{0.5, 0.6, 0.7, 0.8}
	src := datasets.NewSliceSource(makeBatches(2, 2))
	stats, err := engine.TrainOneEpoch(m, engine.MSE{}, src, opt, engine.CPU{}, strat, metrics.NopReducer{}, engine.TrainConfig{
		StartStep:     2,
		StepsPerEpoch: 2,
		UpdateFreq:    1,
		LRSchedule:    lr,
		WDSchedule:    wd,
		NoAMP:         true,
	})
	require.NoError(t, err)
	// last step used global index startStep+1 = 3
	require.InDelta(t, 0.4*0.5, scaled.LR, 1e-12)
	require.InDelta(t, 0.4, plain.LR, 1e-12)
	// weight decay only overwritten on groups that already decay
	require.InDelta(t, 0.8, plain.WeightDecay, 1e-12)
	require.Zero(t, scaled.WeightDecay)
	// reported stats are averages over the epoch's batches
	require.InDelta(t, (0.3+0.4)/2, stats["lr"], 1e-9)
	require.InDelta(t, (0.15+0.2)/2, stats["min_lr"], 1e-9)
	require.InDelta(t, (0.7+0.8)/2, stats["weight_decay"], 1e-9)
}

// lrClobberStrategy overwrites the group LR on every Apply so the test can
// observe whether the engine re-applies the schedule per batch.
type lrClobberStrategy struct {
	inner engine.UpdateStrategy
	opt   optim.Optimizer
}

func (s *lrClobberStrategy) Apply(g []float32, update bool) (engine.StepResult, error) {
	for _, grp := range s.opt.ParamGroups() {
		grp.LR = -1
	}
	return s.inner.Apply(g, update)
}

func TestLRScheduleReappliedEveryBatch(t *testing.T) {
	m := constModel(0.5)
	opt := newCountingOpt()
	inner, err := engine.NewPlainStrategy(m, opt, 0, 2, nil)
	require.NoError(t, err)
	strat := &lrClobberStrategy{inner: inner, opt: opt}

	lr := schedule.Schedule{0.1, 0.2}
	src := datasets.NewSliceSource(makeBatches(4, 2))
	_, err = engine.TrainOneEpoch(m, engine.MSE{}, src, opt, engine.CPU{}, strat, metrics.NopReducer{}, engine.TrainConfig{
		StepsPerEpoch: 2,
		UpdateFreq:    2,
		LRSchedule:    lr,
		NoAMP:         true,
	})
	require.NoError(t, err)
	// even though the strategy clobbered the LR after the final batch's
	// schedule application... the application happens before Apply, so the
	// clobbered value from the second-to-last batch was overwritten on the
	// last batch, proving the LR branch runs on every batch, not only at
	// window starts. After the epoch the last Apply leaves -1 behind.
	require.InDelta(t, -1, opt.groups[0].LR, 1e-12)

	// rerun without clobbering: LR ends at the scheduled value
	opt2 := newCountingOpt()
	strat2, err := engine.NewPlainStrategy(m, opt2, 0, 2, nil)
	require.NoError(t, err)
	src.Reset()
	_, err = engine.TrainOneEpoch(m, engine.MSE{}, src, opt2, engine.CPU{}, strat2, metrics.NopReducer{}, engine.TrainConfig{
		StepsPerEpoch: 2,
		UpdateFreq:    2,
		LRSchedule:    lr,
		NoAMP:         true,
	})
	require.NoError(t, err)
	require.InDelta(t, 0.2, opt2.groups[0].LR, 1e-12)
}

func TestTrainOneEpochDivergenceAbort(t *testing.T) {
	m := constModel(float32(math.NaN()))
	opt := newCountingOpt()
	strat, err := engine.NewPlainStrategy(m, opt, 0, 1, nil)
	require.NoError(t, err)

	src := datasets.NewSliceSource(makeBatches(2, 2))
	_, err = engine.TrainOneEpoch(m, engine.MSE{}, src, opt, engine.CPU{}, strat, metrics.NopReducer{}, engine.TrainConfig{
		StepsPerEpoch:     2,
		UpdateFreq:        1,
		NoAMP:             true,
		AbortOnDivergence: true,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "stopping training")
	require.Zero(t, opt.steps)
}

// recordingWriter captures external-sink updates.
type recordingWriter struct {
	writes map[string]int
	steps  int
}

func (w *recordingWriter) Write(head, name string, v float64) {
	if w.writes == nil {
		w.writes = make(map[string]int)
	}
	w.writes[head+"/"+name]++
}

func (w *recordingWriter) Step() { w.steps++ }

func TestTrainOneEpochMirrorsWriter(t *testing.T) {
	m := constModel(0.5)
	opt := newCountingOpt()
	strat, err := engine.NewPlainStrategy(m, opt, 0, 1, nil)
	require.NoError(t, err)

	w := &recordingWriter{}
	src := datasets.NewSliceSource(makeBatches(3, 2))
	_, err = engine.TrainOneEpoch(m, engine.MSE{}, src, opt, engine.CPU{}, strat, metrics.NopReducer{}, engine.TrainConfig{
		StepsPerEpoch: 3,
		UpdateFreq:    1,
		NoAMP:         true,
		Writer:        w,
	})
	require.NoError(t, err)
	// one writer step per batch
	require.Equal(t, 3, w.steps)
	require.Equal(t, 3, w.writes["loss/loss"])
	require.Equal(t, 3, w.writes["opt/lr"])
}

func TestTrainOneEpochWithAutocast(t *testing.T) {
	m := constModel(0.5)
	opt := newCountingOpt()
	strat, err := engine.NewPlainStrategy(m, opt, 0, 1, nil)
	require.NoError(t, err)

	calls := 0
	autocast := func(fn func() error) error {
		calls++
		return fn()
	}
	src := datasets.NewSliceSource(makeBatches(2, 2))
	_, err = engine.TrainOneEpoch(m, engine.MSE{}, src, opt, engine.CPU{}, strat, metrics.NopReducer{}, engine.TrainConfig{
		StepsPerEpoch: 2,
		UpdateFreq:    1,
		Autocast:      autocast,
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}
