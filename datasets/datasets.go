// Package datasets feeds the training engine. The engine itself treats the
// data pipeline as an opaque collaborator behind engine.DataSource; this
// package supplies the harness implementations the drivers and tests use:
// an in-memory batch source and a flat CSV loader for per-clip video
// features.
package datasets

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/renyu12/VideoMamba/engine"
)

// Clip is one video sub-sample: an identifier, the chunk/split position the
// features were sampled from, the ground-truth mean opinion score and the
// feature vector.
type Clip struct {
	ID       string
	Chunk    int
	Split    int
	MOS      float32
	Features []float32
}

// SliceSource serves pre-built batches in order. It implements
// engine.DataSource.
type SliceSource struct {
	batches []engine.Batch
	next    int
}

// NewSliceSource wraps batches as a DataSource.
func NewSliceSource(batches []engine.Batch) *SliceSource {
	return &SliceSource{batches: batches}
}

// Next implements engine.DataSource; it returns nil when the source is
// exhausted.
func (s *SliceSource) Next() (*engine.Batch, error) {
	if s.next >= len(s.batches) {
		return nil, nil
	}
	b := &s.batches[s.next]
	s.next++
	return b, nil
}

// Reset implements engine.DataSource.
func (s *SliceSource) Reset() { s.next = 0 }

// Len returns the number of batches served per epoch.
func (s *SliceSource) Len() int { return len(s.batches) }

// BuildBatches groups clips into batches of at most batchSize, converting
// feature rows into a dense 2D tensor per batch.
func BuildBatches(clips []Clip, batchSize int) []engine.Batch {
	if batchSize < 1 {
		batchSize = 1
	}
	var batches []engine.Batch
	for start := 0; start < len(clips); start += batchSize {
		end := start + batchSize
		if end > len(clips) {
			end = len(clips)
		}
		group := clips[start:end]
		rows := make([][]float32, len(group))
		targets := make([]float32, len(group))
		ids := make([]string, len(group))
		chunks := make([]int, len(group))
		splits := make([]int, len(group))
		for i, c := range group {
			rows[i] = c.Features
			targets[i] = c.MOS
			ids[i] = c.ID
			chunks[i] = c.Chunk
			splits[i] = c.Split
		}
		batches = append(batches, engine.Batch{
			Samples: tensors.FromAnyValue(rows),
			Targets: targets,
			IDs:     ids,
			Chunks:  chunks,
			Splits:  splits,
		})
	}
	return batches
}

// Shard returns the disjoint slice of clips owned by worker workerIdx out
// of numWorkers, round-robin by position. Every clip belongs to exactly one
// worker.
func Shard(clips []Clip, workerIdx, numWorkers int) []Clip {
	if numWorkers <= 1 {
		return clips
	}
	var out []Clip
	for i := workerIdx; i < len(clips); i += numWorkers {
		out = append(out, clips[i])
	}
	return out
}
