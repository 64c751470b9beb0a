package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LoadCSV reads every CSV file matching pattern into clips. Each file needs
// an "id" and a "mos" column; "chunk" and "split" columns are used when
// present and default to 0 otherwise. All remaining columns are parsed as
// float32 features in header order.
func LoadCSV(pattern string) ([]Clip, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no CSV files found matching pattern: %s", pattern)
	}

	var clips []Clip
	for _, path := range paths {
		fileClips, err := loadOne(path)
		if err != nil {
			return nil, err
		}
		clips = append(clips, fileClips...)
	}
	return clips, nil
}

func loadOne(path string) ([]Clip, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}
	idCol, ok := colIndex["id"]
	if !ok {
		return nil, fmt.Errorf("required column %q not found in %s", "id", path)
	}
	mosCol, ok := colIndex["mos"]
	if !ok {
		return nil, fmt.Errorf("required column %q not found in %s", "mos", path)
	}
	chunkCol, hasChunk := colIndex["chunk"]
	splitCol, hasSplit := colIndex["split"]

	// every other column is a feature, in header order
	var featureCols []int
	for i := range header {
		if i == idCol || i == mosCol || (hasChunk && i == chunkCol) || (hasSplit && i == splitCol) {
			continue
		}
		featureCols = append(featureCols, i)
	}
	if len(featureCols) == 0 {
		return nil, fmt.Errorf("no feature columns in %s", path)
	}

	var clips []Clip
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d of %s: %w", row, path, err)
		}
		c := Clip{ID: strings.TrimSpace(record[idCol])}
		if c.MOS, err = parseFloat32(record[mosCol]); err != nil {
			return nil, fmt.Errorf("failed to parse mos at row %d of %s: %w", row, path, err)
		}
		if hasChunk {
			if c.Chunk, err = strconv.Atoi(strings.TrimSpace(record[chunkCol])); err != nil {
				return nil, fmt.Errorf("failed to parse chunk at row %d of %s: %w", row, path, err)
			}
		}
		if hasSplit {
			if c.Split, err = strconv.Atoi(strings.TrimSpace(record[splitCol])); err != nil {
				return nil, fmt.Errorf("failed to parse split at row %d of %s: %w", row, path, err)
			}
		}
		c.Features = make([]float32, len(featureCols))
		for i, col := range featureCols {
			if c.Features[i], err = parseFloat32(record[col]); err != nil {
				return nil, fmt.Errorf("failed to parse %s at row %d of %s: %w", header[col], row, path, err)
			}
		}
		clips = append(clips, c)
		row++
	}
	return clips, nil
}

func parseFloat32(s string) (float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}
