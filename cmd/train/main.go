// Command train is the single-machine training driver: it loads per-clip
// video features from CSV, trains the MLP regressor for a number of epochs
// with cosine learning-rate scheduling, validates after each epoch, runs
// the final test split per simulated worker and merges the per-worker
// result files into one score.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/renyu12/VideoMamba/datasets"
	"github.com/renyu12/VideoMamba/engine"
	"github.com/renyu12/VideoMamba/metrics"
	"github.com/renyu12/VideoMamba/models"
	"github.com/renyu12/VideoMamba/optim"
	"github.com/renyu12/VideoMamba/report"
	"github.com/renyu12/VideoMamba/results"
	"github.com/renyu12/VideoMamba/schedule"
)

// trainConfig mirrors the CLI flags; a JSON file passed with -config is
// loaded first and individual flags override it.
type trainConfig struct {
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	UpdateFreq   int     `json:"update_freq"`
	LR           float64 `json:"lr"`
	MinLR        float64 `json:"min_lr"`
	WarmupEpochs int     `json:"warmup_epochs"`
	WeightDecay  float64 `json:"weight_decay"`
	ClipNorm     float64 `json:"clip_norm"`
	Hidden       string  `json:"hidden"`
	Optimizer    string  `json:"optimizer"`
	Strategy     string  `json:"strategy"`
	EMADecay     float64 `json:"ema_decay"`
	Seed         int64   `json:"seed"`
}

func defaultConfig() trainConfig {
	return trainConfig{
		Epochs:       10,
		BatchSize:    32,
		UpdateFreq:   1,
		LR:           1e-3,
		MinLR:        1e-5,
		WarmupEpochs: 1,
		WeightDecay:  0.05,
		ClipNorm:     5.0,
		Hidden:       "64,32",
		Optimizer:    "adam",
		Strategy:     "plain",
		EMADecay:     0.999,
		Seed:         42,
	}
}

func main() {
	cfg := defaultConfig()

	configPath := flag.String("config", "", "optional JSON config file; flags override its values")
	data := flag.String("data", "assets/*.csv", "glob pattern for per-clip feature CSV files")
	output := flag.String("output", "output", "directory for per-worker result files and plots")
	workers := flag.Int("workers", 1, "number of test shards to evaluate and merge")
	abort := flag.Bool("abort-on-divergence", false, "stop training when a batch loss is NaN or Inf")
	logEvery := flag.Int("log-every", 50, "print running stats every N batches (0 disables)")

	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "training epochs")
	flag.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "batch size")
	flag.IntVar(&cfg.UpdateFreq, "update-freq", cfg.UpdateFreq, "gradient accumulation window length")
	flag.Float64Var(&cfg.LR, "lr", cfg.LR, "peak learning rate")
	flag.Float64Var(&cfg.MinLR, "min-lr", cfg.MinLR, "final learning rate of the cosine schedule")
	flag.IntVar(&cfg.WarmupEpochs, "warmup-epochs", cfg.WarmupEpochs, "linear warmup epochs")
	flag.Float64Var(&cfg.WeightDecay, "weight-decay", cfg.WeightDecay, "weight decay for the decay group")
	flag.Float64Var(&cfg.ClipNorm, "clip-norm", cfg.ClipNorm, "gradient norm clip (0 disables)")
	flag.StringVar(&cfg.Hidden, "hidden", cfg.Hidden, "comma-separated hidden layer sizes")
	flag.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "optimizer: adam or sgd")
	flag.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "update strategy: plain, scaled or managed")
	flag.Float64Var(&cfg.EMADecay, "ema-decay", cfg.EMADecay, "EMA decay for the weight tracker (0 disables)")
	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "RNG seed for shuffling and init")
	flag.Parse()

	if *configPath != "" {
		if err := loadConfig(*configPath, &cfg); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		// re-apply flags so explicit CLI values win over the file
		flag.Parse()
	}

	if err := run(cfg, *data, *output, *workers, *abort, *logEvery); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(path string, cfg *trainConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func run(cfg trainConfig, data, output string, workers int, abort bool, logEvery int) error {
	clips, err := datasets.LoadCSV(data)
	if err != nil {
		return err
	}
	log.Printf("loaded %d clips from %s", len(clips), data)

	rng := rand.New(rand.NewSource(cfg.Seed))
	rng.Shuffle(len(clips), func(i, j int) { clips[i], clips[j] = clips[j], clips[i] })

	train, val, test := splitClips(clips)
	if len(train) == 0 || len(test) == 0 {
		return fmt.Errorf("dataset too small to split: %d clips", len(clips))
	}
	log.Printf("split: %d train / %d val / %d test", len(train), len(val), len(test))

	hidden, err := parseHidden(cfg.Hidden)
	if err != nil {
		return err
	}
	model, err := models.NewMLP(models.MLPConfig{
		InputDim:    len(train[0].Features),
		HiddenSizes: hidden,
		Seed:        cfg.Seed,
	})
	if err != nil {
		return err
	}
	groups := model.ParamGroups(cfg.LR, cfg.WeightDecay)

	var opt optim.Optimizer
	switch cfg.Optimizer {
	case "adam":
		opt, err = optim.NewAdam(groups, optim.AdamConfig{})
	case "sgd":
		opt, err = optim.NewSGD(groups)
	default:
		return fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
	}
	if err != nil {
		return err
	}

	var ema engine.EMA
	var tracker *models.EMATracker
	if cfg.EMADecay > 0 {
		tracker, err = models.NewEMATracker(model, cfg.EMADecay)
		if err != nil {
			return err
		}
		ema = tracker
	}

	var strat engine.UpdateStrategy
	switch cfg.Strategy {
	case "plain":
		strat, err = engine.NewPlainStrategy(model, opt, cfg.ClipNorm, cfg.UpdateFreq, ema)
	case "scaled":
		scaler := optim.NewLossScaler(optim.LossScalerConfig{})
		strat, err = engine.NewScaledStrategy(model, opt, scaler, cfg.ClipNorm, cfg.UpdateFreq, ema)
	case "managed":
		var managed *models.Managed
		managed, err = models.NewManaged(model, opt, cfg.UpdateFreq)
		if err != nil {
			return err
		}
		strat, err = engine.NewManagedStrategy(managed, ema, cfg.UpdateFreq)
	default:
		return fmt.Errorf("unknown update strategy %q", cfg.Strategy)
	}
	if err != nil {
		return err
	}

	trainBatches := datasets.BuildBatches(train, cfg.BatchSize)
	trainSrc := datasets.NewSliceSource(trainBatches)
	valSrc := datasets.NewSliceSource(datasets.BuildBatches(val, cfg.BatchSize))

	stepsPerEpoch := (len(trainBatches) + cfg.UpdateFreq - 1) / cfg.UpdateFreq
	lrSched, err := schedule.Cosine(cfg.LR, cfg.MinLR, cfg.Epochs, stepsPerEpoch, cfg.WarmupEpochs, 0)
	if err != nil {
		return err
	}
	wdSched, err := schedule.Constant(cfg.WeightDecay, cfg.Epochs, stepsPerEpoch)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(output, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", output, err)
	}

	dev := engine.CPU{}
	reducer := metrics.NopReducer{}
	criterion := engine.MSE{}

	var trainLosses, valLosses []float64
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		trainSrc.Reset()
		stats, err := engine.TrainOneEpoch(model, criterion, trainSrc, opt, dev, strat, reducer, engine.TrainConfig{
			Epoch:             epoch,
			StartStep:         epoch * stepsPerEpoch,
			StepsPerEpoch:     stepsPerEpoch,
			UpdateFreq:        cfg.UpdateFreq,
			LRSchedule:        lrSched,
			WDSchedule:        wdSched,
			NoAMP:             true,
			AbortOnDivergence: abort,
			LogEvery:          logEvery,
		})
		if err != nil {
			return fmt.Errorf("epoch %d failed: %w", epoch, err)
		}
		trainLosses = append(trainLosses, stats["loss"])
		log.Printf("epoch %d train loss %.6f lr %.6g", epoch, stats["loss"], stats["lr"])

		if valSrc.Len() > 0 {
			valSrc.Reset()
			valStats, err := engine.ValidationOneEpoch(valSrc, model, dev, reducer, engine.EvalConfig{NoAMP: true})
			if err != nil {
				return fmt.Errorf("validation after epoch %d failed: %w", epoch, err)
			}
			valLosses = append(valLosses, valStats["loss"])
			log.Printf("epoch %d val loss %.6f", epoch, valStats["loss"])
		}
	}

	if tracker != nil {
		if err := tracker.CopyTo(model); err != nil {
			return fmt.Errorf("failed to load EMA weights for evaluation: %w", err)
		}
		log.Printf("evaluating with EMA weights (decay %.4f)", cfg.EMADecay)
	}

	for w := 0; w < workers; w++ {
		shard := datasets.Shard(test, w, workers)
		src := datasets.NewSliceSource(datasets.BuildBatches(shard, cfg.BatchSize))
		path := filepath.Join(output, strconv.Itoa(w)+".txt")
		stats, err := engine.FinalTest(src, model, dev, path, reducer, engine.EvalConfig{NoAMP: true})
		if err != nil {
			return fmt.Errorf("final test for worker %d failed: %w", w, err)
		}
		log.Printf("worker %d test loss %.6f -> %s", w, stats["loss"], path)
	}

	score, err := results.Merge(output, workers)
	if err != nil {
		return fmt.Errorf("failed to merge results: %w", err)
	}
	log.Printf("final merged MSE: %.6f", score)

	plotPath := filepath.Join(output, "loss.png")
	if err := report.SaveLossCurve(plotPath, trainLosses, valLosses); err != nil {
		return err
	}
	log.Printf("wrote loss curve to %s", plotPath)
	return nil
}

// splitClips deals clips into train/val/test at roughly 80/10/10.
func splitClips(clips []Clip) (train, val, test []Clip) {
	for i, c := range clips {
		switch i % 10 {
		case 8:
			val = append(val, c)
		case 9:
			test = append(test, c)
		default:
			train = append(train, c)
		}
	}
	return train, val, test
}

// Clip aliases the dataset clip type for the local split helper.
type Clip = datasets.Clip

func parseHidden(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid hidden layer size %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
