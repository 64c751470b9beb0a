package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// SmoothedValue tracks a series of scalar observations and exposes both a
// smoothed view over a trailing window and the global average of the whole
// series. The window keeps at most windowSize values; the totals keep
// everything ever observed.
type SmoothedValue struct {
	window     []float64
	windowSize int
	total      float64
	count      int64
}

// NewSmoothedValue creates a SmoothedValue with the given trailing window
// size. A windowSize <= 0 defaults to 20.
func NewSmoothedValue(windowSize int) *SmoothedValue {
	if windowSize <= 0 {
		windowSize = 20
	}
	return &SmoothedValue{windowSize: windowSize}
}

// Update records a single observation.
func (s *SmoothedValue) Update(v float64) {
	s.UpdateN(v, 1)
}

// UpdateN records an observation that represents n underlying samples (for
// example a batch mean over n examples).
func (s *SmoothedValue) UpdateN(v float64, n int64) {
	s.window = append(s.window, v)
	if len(s.window) > s.windowSize {
		s.window = s.window[len(s.window)-s.windowSize:]
	}
	s.total += v * float64(n)
	s.count += n
}

// Count returns the number of samples observed so far.
func (s *SmoothedValue) Count() int64 { return s.count }

// Total returns the running sum of all observations.
func (s *SmoothedValue) Total() float64 { return s.total }

// Value returns the most recent observation, or 0 before any update.
func (s *SmoothedValue) Value() float64 {
	if len(s.window) == 0 {
		return 0
	}
	return s.window[len(s.window)-1]
}

// Avg returns the mean over the trailing window.
func (s *SmoothedValue) Avg() float64 {
	if len(s.window) == 0 {
		return 0
	}
	return stat.Mean(s.window, nil)
}

// Median returns the median over the trailing window.
func (s *SmoothedValue) Median() float64 {
	if len(s.window) == 0 {
		return 0
	}
	sorted := append([]float64(nil), s.window...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// Max returns the maximum over the trailing window.
func (s *SmoothedValue) Max() float64 {
	m := math.Inf(-1)
	for _, v := range s.window {
		if v > m {
			m = v
		}
	}
	if math.IsInf(m, -1) {
		return 0
	}
	return m
}

// GlobalAvg returns the average over every observation ever recorded,
// weighted by sample counts. Zero before any update.
func (s *SmoothedValue) GlobalAvg() float64 {
	if s.count == 0 {
		return 0
	}
	return s.total / float64(s.count)
}

// setTotals overwrites the global totals, used after a cross-worker
// reduction. The trailing window is left untouched; it only reflects local
// observations.
func (s *SmoothedValue) setTotals(total float64, count int64) {
	s.total = total
	s.count = count
}

// Reducer sums a vector of values across all parallel workers. The zero
// setup (single process) is represented by NopReducer. Distributed
// implementations are supplied by the training driver.
type Reducer interface {
	AllReduceSum(vals []float64) ([]float64, error)
}

// NopReducer is the single-process Reducer: it returns its input unchanged.
type NopReducer struct{}

// AllReduceSum implements Reducer.
func (NopReducer) AllReduceSum(vals []float64) ([]float64, error) { return vals, nil }

// Logger is a per-epoch accumulator mapping metric names to SmoothedValues.
// It is created fresh for each epoch, updated once per batch, synchronized
// across workers at epoch end and then discarded.
type Logger struct {
	meters map[string]*SmoothedValue
	order  []string
	window int
}

// NewLogger creates an empty Logger whose meters use the given trailing
// window size.
func NewLogger(windowSize int) *Logger {
	return &Logger{
		meters: make(map[string]*SmoothedValue),
		window: windowSize,
	}
}

// Meter returns the named meter, creating it on first use.
func (l *Logger) Meter(name string) *SmoothedValue {
	m, ok := l.meters[name]
	if !ok {
		m = NewSmoothedValue(l.window)
		l.meters[name] = m
		l.order = append(l.order, name)
	}
	return m
}

// AddMeter registers a meter with a specific window size, replacing any
// existing meter of the same name.
func (l *Logger) AddMeter(name string, windowSize int) *SmoothedValue {
	if _, ok := l.meters[name]; !ok {
		l.order = append(l.order, name)
	}
	m := NewSmoothedValue(windowSize)
	l.meters[name] = m
	return m
}

// Update records one observation for the named metric.
func (l *Logger) Update(name string, v float64) {
	l.Meter(name).Update(v)
}

// Sync replaces every meter's global totals with the sum across all workers
// obtained from the reducer. Window state stays local. With NopReducer this
// is a no-op, so a single process is always safe.
func (l *Logger) Sync(r Reducer) error {
	if len(l.order) == 0 {
		return nil
	}
	// pack [total0, count0, total1, count1, ...]
	packed := make([]float64, 0, 2*len(l.order))
	for _, name := range l.order {
		m := l.meters[name]
		packed = append(packed, m.total, float64(m.count))
	}
	reduced, err := r.AllReduceSum(packed)
	if err != nil {
		return fmt.Errorf("failed to reduce metrics across workers: %w", err)
	}
	if len(reduced) != len(packed) {
		return fmt.Errorf("reducer returned %d values, expected %d", len(reduced), len(packed))
	}
	for i, name := range l.order {
		l.meters[name].setTotals(reduced[2*i], int64(reduced[2*i+1]))
	}
	return nil
}

// GlobalAverages returns the per-metric global averages, typically called
// after Sync at the end of an epoch.
func (l *Logger) GlobalAverages() map[string]float64 {
	out := make(map[string]float64, len(l.meters))
	for name, m := range l.meters {
		out[name] = m.GlobalAvg()
	}
	return out
}

// String renders the meters in insertion order, for progress logging.
func (l *Logger) String() string {
	parts := make([]string, 0, len(l.order))
	for _, name := range l.order {
		m := l.meters[name]
		parts = append(parts, fmt.Sprintf("%s: %.6f (%.6f)", name, m.Avg(), m.GlobalAvg()))
	}
	return strings.Join(parts, "  ")
}
