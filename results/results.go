// Package results handles the per-worker prediction files produced by the
// final tester and their post-hoc merge into a single score. Each worker
// writes `<worker_index>.txt`: a header line carrying the last batch's loss
// followed by one `<id> [<prediction>] <label> <chunk> <split>` line per
// evaluated sample.
package results

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Record is one per-sample prediction: the sample identifier, the predicted
// and ground-truth values and the chunk/split position of the sub-sample
// the prediction was computed from.
type Record struct {
	ID         string
	Prediction float64
	Label      float64
	Chunk      int
	Split      int
}

// Line renders the record in the result-file format. The prediction keeps
// its decimal-array textual form.
func (r Record) Line() string {
	return fmt.Sprintf("%s [%s] %s %d %d",
		r.ID, formatFloat(r.Prediction), formatFloat(r.Label), r.Chunk, r.Split)
}

// ParseLine parses one result-file record line. Predictions are accepted
// both bracketed ("[0.9]") and bare ("0.9").
func ParseLine(line string) (Record, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 5 {
		return Record{}, fmt.Errorf("malformed record line %q: want 5 fields, got %d", line, len(fields))
	}
	pred, err := strconv.ParseFloat(strings.Trim(fields[1], "[]"), 64)
	if err != nil {
		return Record{}, fmt.Errorf("malformed prediction in %q: %w", line, err)
	}
	label, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Record{}, fmt.Errorf("malformed label in %q: %w", line, err)
	}
	chunk, err := strconv.Atoi(fields[3])
	if err != nil {
		return Record{}, fmt.Errorf("malformed chunk index in %q: %w", line, err)
	}
	split, err := strconv.Atoi(fields[4])
	if err != nil {
		return Record{}, fmt.Errorf("malformed split index in %q: %w", line, err)
	}
	return Record{
		ID:         fields[0],
		Prediction: pred,
		Label:      label,
		Chunk:      chunk,
		Split:      split,
	}, nil
}

// WriteFile writes a worker result file: headerLoss on the first line, then
// one line per record. Failure to create the file is fatal to the caller;
// there is no retry.
func WriteFile(path string, headerLoss float64, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create result file %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := fmt.Fprintf(w, "%s\n", formatFloat(headerLoss)); err != nil {
		return fmt.Errorf("failed to write result header: %w", err)
	}
	for _, r := range records {
		if _, err := fmt.Fprintf(w, "%s\n", r.Line()); err != nil {
			return fmt.Errorf("failed to write result record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush result file %s: %w", path, err)
	}
	return nil
}

// ReadFile reads a worker result file back: the header loss and all record
// lines. Malformed lines fail the read; there is no recovery.
func ReadFile(path string) (headerLoss float64, records []Record, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open result file %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return 0, nil, fmt.Errorf("failed to read result header: %w", err)
		}
		return 0, nil, fmt.Errorf("result file %s is empty", path)
	}
	headerLoss, err = strconv.ParseFloat(strings.TrimSpace(sc.Text()), 64)
	if err != nil {
		return 0, nil, fmt.Errorf("malformed header in %s: %w", path, err)
	}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		r, err := ParseLine(line)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: %w", path, err)
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return 0, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return headerLoss, records, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
