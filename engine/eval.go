package engine

import (
	"fmt"
	"log"

	"github.com/renyu12/VideoMamba/metrics"
	"github.com/renyu12/VideoMamba/results"
)

// EvalConfig carries the knobs shared by validation and final testing.
type EvalConfig struct {
	Precision Precision
	NoAMP     bool
	Autocast  Autocast

	// LogEvery prints running statistics every LogEvery batches; <= 0
	// disables progress logging.
	LogEvery int
}

// ValidationOneEpoch runs one inference-only pass over src, computing the
// mean-squared-error loss per batch. No weights are touched. Returns the
// per-metric global averages after cross-worker synchronization.
func ValidationOneEpoch(src DataSource, m Model, dev Device, reducer metrics.Reducer, cfg EvalConfig) (map[string]float64, error) {
	logger := metrics.NewLogger(20)
	criterion := MSE{}

	for i := 0; ; i++ {
		batch, err := src.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to read validation batch %d: %w", i, err)
		}
		if batch == nil {
			break
		}
		lossVal, _, err := evalBatch(m, dev, criterion, batch, cfg)
		if err != nil {
			return nil, err
		}
		logger.Update("loss", lossVal)
		if cfg.LogEvery > 0 && i%cfg.LogEvery == 0 {
			log.Printf("Val: batch %d  %s", i, logger)
		}
	}

	if err := logger.Sync(reducer); err != nil {
		return nil, err
	}
	return logger.GlobalAverages(), nil
}

// FinalTest runs the same inference pass as ValidationOneEpoch but records
// one prediction line per sample and writes them to path: the last batch's
// loss as a header, then all record lines. A failure to create the output
// file is a fatal I/O error.
func FinalTest(src DataSource, m Model, dev Device, path string, reducer metrics.Reducer, cfg EvalConfig) (map[string]float64, error) {
	logger := metrics.NewLogger(20)
	criterion := MSE{}

	var records []results.Record
	var lastLoss float64

	for i := 0; ; i++ {
		batch, err := src.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to read test batch %d: %w", i, err)
		}
		if batch == nil {
			break
		}
		if len(batch.IDs) != len(batch.Targets) {
			return nil, fmt.Errorf("test batch %d carries %d sample ids for %d targets", i, len(batch.IDs), len(batch.Targets))
		}
		lossVal, pred, err := evalBatch(m, dev, criterion, batch, cfg)
		if err != nil {
			return nil, err
		}
		for s := range pred {
			records = append(records, results.Record{
				ID:         batch.IDs[s],
				Prediction: float64(pred[s]),
				Label:      float64(batch.Targets[s]),
				Chunk:      batch.Chunks[s],
				Split:      batch.Splits[s],
			})
		}
		lastLoss = lossVal
		logger.Update("loss", lossVal)
		if cfg.LogEvery > 0 && i%cfg.LogEvery == 0 {
			log.Printf("Test: batch %d  %s", i, logger)
		}
	}

	// The header carries the last batch's loss, not an aggregate; the merge
	// step skips it.
	if err := results.WriteFile(path, lastLoss, records); err != nil {
		return nil, err
	}

	if err := logger.Sync(reducer); err != nil {
		return nil, err
	}
	return logger.GlobalAverages(), nil
}

// evalBatch runs one inference-only batch: device transfer, optional
// reduced-precision cast or autocast context, forward pass and loss against
// the selected output channel.
func evalBatch(m Model, dev Device, criterion Criterion, batch *Batch, cfg EvalConfig) (float64, []float32, error) {
	samples, err := dev.Transfer(batch.Samples)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to transfer batch to device: %w", err)
	}

	var lossVal float64
	var outputs [][]float32
	if cfg.Autocast != nil {
		err = cfg.Autocast(func() error {
			var ferr error
			lossVal, outputs, ferr = RunBatch(m, samples, batch.Targets, criterion)
			return ferr
		})
	} else {
		if !cfg.NoAMP {
			samples, err = dev.Cast(samples, cfg.Precision)
			if err != nil {
				return 0, nil, fmt.Errorf("failed to cast batch: %w", err)
			}
		}
		lossVal, outputs, err = RunBatch(m, samples, batch.Targets, criterion)
	}
	if err != nil {
		return 0, nil, err
	}
	pred, err := selectChannel(outputs, 0)
	if err != nil {
		return 0, nil, err
	}
	return lossVal, pred, nil
}
