// Package schedule builds the precomputed per-step hyperparameter tables
// consumed by the training engine. A table is immutable for the duration of
// a run; the engine indexes it with an explicit global step number
// (startStep + step within the epoch), so there is no hidden counter state.
package schedule

import (
	"fmt"
	"math"
)

// Schedule is a precomputed sequence of per-step values (learning rate or
// weight decay), indexed by global step number.
type Schedule []float64

// At returns the value for global step it.
func (s Schedule) At(it int) float64 {
	return s[it]
}

// Len returns the number of steps covered by the table.
func (s Schedule) Len() int { return len(s) }

// Cosine builds a schedule that warms up linearly from warmupStart to base
// over warmupEpochs, then decays from base to final following a half cosine
// over the remaining steps. Total length is epochs*stepsPerEpoch.
func Cosine(base, final float64, epochs, stepsPerEpoch, warmupEpochs int, warmupStart float64) (Schedule, error) {
	if epochs <= 0 || stepsPerEpoch <= 0 {
		return nil, fmt.Errorf("invalid schedule dimensions: epochs=%d stepsPerEpoch=%d", epochs, stepsPerEpoch)
	}
	if warmupEpochs < 0 || warmupEpochs > epochs {
		return nil, fmt.Errorf("warmup epochs %d out of range [0, %d]", warmupEpochs, epochs)
	}

	total := epochs * stepsPerEpoch
	warm := warmupEpochs * stepsPerEpoch
	s := make(Schedule, 0, total)

	// Linear warmup, endpoints included.
	for i := 0; i < warm; i++ {
		if warm == 1 {
			s = append(s, warmupStart)
			continue
		}
		frac := float64(i) / float64(warm-1)
		s = append(s, warmupStart+(base-warmupStart)*frac)
	}

	// Cosine decay over the remaining steps.
	rest := total - warm
	for i := 0; i < rest; i++ {
		v := final + 0.5*(base-final)*(1+math.Cos(math.Pi*float64(i)/float64(rest)))
		s = append(s, v)
	}
	return s, nil
}

// Constant builds a schedule holding value for every step. Useful for
// weight-decay tables that do not decay.
func Constant(value float64, epochs, stepsPerEpoch int) (Schedule, error) {
	if epochs <= 0 || stepsPerEpoch <= 0 {
		return nil, fmt.Errorf("invalid schedule dimensions: epochs=%d stepsPerEpoch=%d", epochs, stepsPerEpoch)
	}
	s := make(Schedule, epochs*stepsPerEpoch)
	for i := range s {
		s[i] = value
	}
	return s, nil
}
