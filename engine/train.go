package engine

import (
	"fmt"
	"log"
	"math"

	"github.com/renyu12/VideoMamba/metrics"
	"github.com/renyu12/VideoMamba/optim"
	"github.com/renyu12/VideoMamba/schedule"
)

// TrainConfig carries the per-epoch knobs for TrainOneEpoch. StartStep is
// the global step index at which this epoch begins; schedule tables are
// indexed with StartStep plus the step within the epoch, so there is no
// hidden global counter.
type TrainConfig struct {
	Epoch         int
	StartStep     int
	StepsPerEpoch int
	UpdateFreq    int

	LRSchedule schedule.Schedule
	WDSchedule schedule.Schedule

	Precision Precision
	NoAMP     bool
	Autocast  Autocast

	// Writer is an optional external logging sink, advanced one step per
	// batch.
	Writer StepWriter

	// AbortOnDivergence terminates the epoch with an error when a batch
	// loss is NaN or Inf.
	AbortOnDivergence bool

	// LogEvery prints running statistics every LogEvery batches; <= 0
	// disables progress logging.
	LogEvery int
}

// TrainOneEpoch runs exactly one training epoch: per-step schedule
// application, forward, gradient update through the configured strategy,
// EMA maintenance at accumulation-window ends and running-statistics
// bookkeeping. It returns the per-metric global averages after
// synchronizing across workers.
func TrainOneEpoch(m Model, criterion Criterion, src DataSource, opt optim.Optimizer, dev Device, strat UpdateStrategy, reducer metrics.Reducer, cfg TrainConfig) (map[string]float64, error) {
	if cfg.UpdateFreq < 1 {
		cfg.UpdateFreq = 1
	}
	logger := metrics.NewLogger(20)
	logger.AddMeter("lr", 1)
	logger.AddMeter("min_lr", 1)

	for i := 0; ; i++ {
		batch, err := src.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to read training batch %d: %w", i, err)
		}
		if batch == nil {
			break
		}

		step := i / cfg.UpdateFreq
		if cfg.StepsPerEpoch > 0 && step >= cfg.StepsPerEpoch {
			// Micro-batch discard: the batch is consumed but does no work.
			continue
		}
		it := cfg.StartStep + step

		// Known sharp edge, kept for parity with the established runs: the
		// condition below makes the LR branch execute on every batch once an
		// LR schedule is configured; only the WD half is tied to
		// accumulation-window starts.
		if cfg.LRSchedule != nil || (cfg.WDSchedule != nil && i%cfg.UpdateFreq == 0) {
			for _, g := range opt.ParamGroups() {
				if cfg.LRSchedule != nil {
					if g.LRScale != 0 {
						g.LR = cfg.LRSchedule.At(it) * g.LRScale
					} else {
						g.LR = cfg.LRSchedule.At(it)
					}
				}
				if cfg.WDSchedule != nil && g.WeightDecay > 0 {
					g.WeightDecay = cfg.WDSchedule.At(it)
				}
			}
		}

		samples, err := dev.Transfer(batch.Samples)
		if err != nil {
			return nil, fmt.Errorf("failed to transfer batch %d to device: %w", i, err)
		}
		targets := batch.Targets

		var lossVal float64
		var outputs [][]float32
		if cfg.Autocast != nil {
			err = cfg.Autocast(func() error {
				var ferr error
				lossVal, outputs, ferr = RunBatch(m, samples, targets, criterion)
				return ferr
			})
		} else {
			if !cfg.NoAMP {
				samples, err = dev.Cast(samples, cfg.Precision)
				if err != nil {
					return nil, fmt.Errorf("failed to cast batch %d: %w", i, err)
				}
			}
			lossVal, outputs, err = RunBatch(m, samples, targets, criterion)
		}
		if err != nil {
			return nil, err
		}

		if cfg.AbortOnDivergence && (math.IsNaN(lossVal) || math.IsInf(lossVal, 0)) {
			return nil, fmt.Errorf("loss is %v at batch %d of epoch %d, stopping training", lossVal, i, cfg.Epoch)
		}

		pred, err := selectChannel(outputs, 0)
		if err != nil {
			return nil, err
		}
		update := (i+1)%cfg.UpdateFreq == 0
		res, err := strat.Apply(criterion.Grad(pred, targets), update)
		if err != nil {
			return nil, fmt.Errorf("gradient update failed at batch %d: %w", i, err)
		}

		dev.Synchronize()

		logger.Update("loss", lossVal)
		logger.Update("loss_scale", res.LossScale)
		minLR, maxLR := lrRange(opt)
		logger.Update("lr", maxLR)
		logger.Update("min_lr", minLR)
		wdVal, hasWD := lastWeightDecay(opt)
		if hasWD {
			logger.Update("weight_decay", wdVal)
		}
		if res.HasGradNorm {
			logger.Update("grad_norm", res.GradNorm)
		}

		if cfg.Writer != nil {
			cfg.Writer.Write("loss", "loss", lossVal)
			cfg.Writer.Write("opt", "loss_scale", res.LossScale)
			cfg.Writer.Write("opt", "lr", maxLR)
			cfg.Writer.Write("opt", "min_lr", minLR)
			if hasWD {
				cfg.Writer.Write("opt", "weight_decay", wdVal)
			}
			if res.HasGradNorm {
				cfg.Writer.Write("opt", "grad_norm", res.GradNorm)
			}
			cfg.Writer.Step()
		}

		if cfg.LogEvery > 0 && i%cfg.LogEvery == 0 {
			log.Printf("Epoch: [%d] batch %d  %s", cfg.Epoch, i, logger)
		}
	}

	if err := logger.Sync(reducer); err != nil {
		return nil, err
	}
	return logger.GlobalAverages(), nil
}

// lrRange reports the minimum and maximum learning rate across parameter
// groups.
func lrRange(opt optim.Optimizer) (minLR, maxLR float64) {
	minLR = 10.0
	maxLR = 0.0
	for _, g := range opt.ParamGroups() {
		if g.LR < minLR {
			minLR = g.LR
		}
		if g.LR > maxLR {
			maxLR = g.LR
		}
	}
	return minLR, maxLR
}

// lastWeightDecay reports the weight decay of the last parameter group with
// nonzero decay, if any.
func lastWeightDecay(opt optim.Optimizer) (float64, bool) {
	var wd float64
	var found bool
	for _, g := range opt.ParamGroups() {
		if g.WeightDecay > 0 {
			wd = g.WeightDecay
			found = true
		}
	}
	return wd, found
}
