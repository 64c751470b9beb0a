package results

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// mergeWorkers is the fixed size of the pool used for the per-sample error
// computation.
const mergeWorkers = 64

// aggregate collects everything the merger keeps per unique sample
// identifier while reading the worker files.
type aggregate struct {
	predictions []float64
	label       float64
	seen        map[string]bool
}

// Merge reads one result file per worker from dir (named `<i>.txt` for
// worker i), deduplicates per-sample predictions by chunk/split position,
// averages the retained predictions per sample and returns the mean squared
// error across all unique samples. Duplicate (chunk, split) entries for a
// sample are silently skipped, so feeding the same content twice yields the
// same score. The per-sample computation runs on a fixed-size worker pool;
// the result does not depend on scheduling order.
func Merge(dir string, numWorkers int) (float64, error) {
	if numWorkers < 1 {
		return 0, fmt.Errorf("invalid worker count %d", numWorkers)
	}

	byID := make(map[string]*aggregate)
	var order []string

	for w := 0; w < numWorkers; w++ {
		path := filepath.Join(dir, strconv.Itoa(w)+".txt")
		_, records, err := ReadFile(path)
		if err != nil {
			return 0, err
		}
		for _, r := range records {
			agg, ok := byID[r.ID]
			if !ok {
				agg = &aggregate{seen: make(map[string]bool)}
				byID[r.ID] = agg
				order = append(order, r.ID)
			}
			// Position key is the concatenation of the chunk and split
			// indices; the first occurrence wins and duplicates are
			// discarded entirely, label included.
			key := strconv.Itoa(r.Chunk) + strconv.Itoa(r.Split)
			if agg.seen[key] {
				continue
			}
			agg.seen[key] = true
			agg.predictions = append(agg.predictions, r.Prediction)
			agg.label = r.Label
		}
	}

	if len(order) == 0 {
		return 0, fmt.Errorf("no records found in %s", dir)
	}
	sort.Strings(order)

	// One independent unit of work per unique sample; results land in a
	// slot per sample so the final mean is scheduling-independent.
	errs := make([]float64, len(order))
	jobs := make(chan int, len(order))
	workerCount := mergeWorkers
	if workerCount > len(order) {
		workerCount = len(order)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				agg := byID[order[idx]]
				errs[idx] = sampleError(agg)
			}
		}()
	}
	for idx := range order {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	return stat.Mean(errs, nil), nil
}

// sampleError computes the squared error of a sample's mean prediction
// against its label.
func sampleError(agg *aggregate) float64 {
	mean := stat.Mean(agg.predictions, nil)
	d := mean - agg.label
	return d * d
}
