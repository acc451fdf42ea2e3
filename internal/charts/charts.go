// Package charts renders analysis results as chart PNGs using gonum/plot.
package charts

import (
	"bytes"
	"fmt"
	"image/color"

	"github.com/spatialpath/server/internal/engine"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const (
	chartWidth  = 8 * vg.Inch
	chartHeight = 5 * vg.Inch
)

var (
	observedColor = color.RGBA{31, 119, 180, 255}
	csrColor      = color.RGBA{127, 127, 127, 255}
	meanColor     = color.RGBA{214, 39, 40, 255}
)

// RipleyCurve renders observed K(r) against the CSR expectation pi*r^2.
func RipleyCurve(res *engine.RipleyResult) ([]byte, error) {
	if res == nil || len(res.Entries) == 0 {
		return nil, fmt.Errorf("ripley result has no entries")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Ripley's K (n=%d)", res.NPoints)
	p.X.Label.Text = "Radius (um)"
	p.Y.Label.Text = "K(r)"

	obs := make(plotter.XYs, len(res.Entries))
	csr := make(plotter.XYs, len(res.Entries))
	for i, e := range res.Entries {
		obs[i] = plotter.XY{X: e.Radius, Y: e.K}
		csr[i] = plotter.XY{X: e.Radius, Y: e.CSR}
	}

	obsLine, err := plotter.NewLine(obs)
	if err != nil {
		return nil, err
	}
	obsLine.Color = observedColor
	obsLine.Width = vg.Points(1.5)

	csrLine, err := plotter.NewLine(csr)
	if err != nil {
		return nil, err
	}
	csrLine.Color = csrColor
	csrLine.Width = vg.Points(1)
	csrLine.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}

	p.Add(obsLine, csrLine)
	p.Legend.Add("observed", obsLine)
	p.Legend.Add("CSR", csrLine)
	p.Legend.Top = true
	p.Legend.Left = true

	return encodePNG(p)
}

// LFunction renders the variance-stabilized L(r) - r transform; the zero
// line is the CSR reference, positive values indicate clustering.
func LFunction(res *engine.RipleyResult) ([]byte, error) {
	if res == nil || len(res.Entries) == 0 {
		return nil, fmt.Errorf("ripley result has no entries")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("L function (n=%d)", res.NPoints)
	p.X.Label.Text = "Radius (um)"
	p.Y.Label.Text = "L(r) - r"

	obs := make(plotter.XYs, len(res.Entries))
	for i, e := range res.Entries {
		obs[i] = plotter.XY{X: e.Radius, Y: e.L}
	}
	zero := plotter.XYs{
		{X: res.Entries[0].Radius, Y: 0},
		{X: res.Entries[len(res.Entries)-1].Radius, Y: 0},
	}

	obsLine, err := plotter.NewLine(obs)
	if err != nil {
		return nil, err
	}
	obsLine.Color = observedColor
	obsLine.Width = vg.Points(1.5)

	zeroLine, err := plotter.NewLine(zero)
	if err != nil {
		return nil, err
	}
	zeroLine.Color = csrColor
	zeroLine.Width = vg.Points(1)
	zeroLine.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}

	p.Add(obsLine, zeroLine)
	p.Legend.Add("observed", obsLine)
	p.Legend.Add("CSR", zeroLine)
	p.Legend.Top = true
	p.Legend.Left = true

	return encodePNG(p)
}

// NNHistogram renders the nearest-neighbor distance histogram as a bar
// outline with a dashed mean marker.
func NNHistogram(res *engine.NearestNeighborResult) ([]byte, error) {
	if res == nil || len(res.Histogram.Counts) == 0 {
		return nil, fmt.Errorf("nearest-neighbor result has no histogram")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Nearest-neighbor distances (n=%d)", res.NPoints)
	p.X.Label.Text = "Distance (um)"
	p.Y.Label.Text = "Count"

	counts := res.Histogram.Counts
	centers := res.Histogram.BinCenters
	width := 1.0
	if len(centers) > 1 {
		width = centers[1] - centers[0]
	}

	// Trace the bin outline: up and across each bar, back to zero at the end.
	outline := make(plotter.XYs, 0, 2*len(counts)+2)
	outline = append(outline, plotter.XY{X: centers[0] - width/2, Y: 0})
	maxCount := 0.0
	for i, c := range counts {
		y := float64(c)
		if y > maxCount {
			maxCount = y
		}
		outline = append(outline,
			plotter.XY{X: centers[i] - width/2, Y: y},
			plotter.XY{X: centers[i] + width/2, Y: y},
		)
	}
	outline = append(outline, plotter.XY{X: centers[len(centers)-1] + width/2, Y: 0})

	histLine, err := plotter.NewLine(outline)
	if err != nil {
		return nil, err
	}
	histLine.Color = observedColor
	histLine.Width = vg.Points(1)

	meanLine, err := plotter.NewLine(plotter.XYs{
		{X: res.Mean, Y: 0},
		{X: res.Mean, Y: maxCount},
	})
	if err != nil {
		return nil, err
	}
	meanLine.Color = meanColor
	meanLine.Width = vg.Points(1)
	meanLine.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}

	p.Add(histLine, meanLine)
	p.Legend.Add("counts", histLine)
	p.Legend.Add("mean", meanLine)
	p.Legend.Top = true

	return encodePNG(p)
}

func encodePNG(p *plot.Plot) ([]byte, error) {
	wt, err := p.WriterTo(chartWidth, chartHeight, "png")
	if err != nil {
		return nil, fmt.Errorf("failed to create chart writer: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to render chart: %w", err)
	}
	return buf.Bytes(), nil
}
