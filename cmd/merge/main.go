// Command merge aggregates the per-worker result files written by the
// final tester into a single mean-squared-error score.
package main

import (
	"flag"
	"log"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"

	"github.com/renyu12/VideoMamba/results"
)

func main() {
	dir := flag.String("dir", ".", "directory holding one <worker>.txt result file per worker")
	workers := flag.Int("workers", 1, "number of worker result files to merge")
	flag.Parse()

	// Pre-scan the files so bad inputs surface before the merge, with a
	// progress bar over workers and a humanized record count.
	var total int64
	err := tqdm.With(iterators.Interval(0, *workers), "scanning result files", func(v interface{}) (brk bool) {
		w := v.(int)
		path := filepath.Join(*dir, strconv.Itoa(w)+".txt")
		_, records, err := results.ReadFile(path)
		if err != nil {
			log.Fatalf("failed to read worker file: %v", err)
		}
		total += int64(len(records))
		return
	})
	if err != nil {
		log.Fatalf("scan failed: %v", err)
	}
	log.Printf("read %s records from %d workers", humanize.Comma(total), *workers)

	score, err := results.Merge(*dir, *workers)
	if err != nil {
		log.Fatalf("merge failed: %v", err)
	}
	log.Printf("final merged MSE: %.6f", score)
}
