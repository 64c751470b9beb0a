package report

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLossCurve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.png")
	err := SaveLossCurve(path, []float64{1.0, 0.5, 0.25}, []float64{1.1, 0.7, 0.4})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestSaveLossCurveTrainOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loss.png")
	require.NoError(t, SaveLossCurve(path, []float64{2, 1}, nil))
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestSaveLossCurveEmpty(t *testing.T) {
	err := SaveLossCurve(filepath.Join(t.TempDir(), "loss.png"), nil, nil)
	require.Error(t, err)
}
