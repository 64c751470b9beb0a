// Package report renders training diagnostics.
package report

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveLossCurve plots per-epoch training loss (blue) and, when non-empty,
// validation loss (red) against the epoch index and writes the image to
// path. The image format follows the file extension (png, pdf, svg).
func SaveLossCurve(path string, train, val []float64) error {
	if len(train) == 0 {
		return fmt.Errorf("no training losses to plot")
	}

	p := plot.New()
	p.Title.Text = "Loss per epoch"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"

	tl, err := plotter.NewLine(toXYs(train))
	if err != nil {
		return fmt.Errorf("failed to build training loss line: %w", err)
	}
	tl.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	p.Add(tl)
	p.Legend.Add("train", tl)

	if len(val) > 0 {
		vl, err := plotter.NewLine(toXYs(val))
		if err != nil {
			return fmt.Errorf("failed to build validation loss line: %w", err)
		}
		vl.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
		p.Add(vl)
		p.Legend.Add("val", vl)
	}

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save loss curve to %s: %w", path, err)
	}
	return nil
}

func toXYs(vals []float64) plotter.XYs {
	xys := make(plotter.XYs, len(vals))
	for i, v := range vals {
		xys[i].X = float64(i)
		xys[i].Y = v
	}
	return xys
}
