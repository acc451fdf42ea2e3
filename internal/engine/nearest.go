package engine

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// nnHistogramBins is the fixed bin count of the nearest-neighbor distance
// histogram.
const nnHistogramBins = 50

// NearestNeighborResult summarizes the distribution of each point's
// distance to its nearest other point.
type NearestNeighborResult struct {
	NPoints   int           `json:"n_points"`
	Mean      float64       `json:"mean"`
	Median    float64       `json:"median"`
	Std       float64       `json:"std"`
	Min       float64       `json:"min"`
	Max       float64       `json:"max"`
	P25       float64       `json:"p25"`
	P75       float64       `json:"p75"`
	P95       float64       `json:"p95"`
	Histogram HistogramData `json:"histogram"`
}

// NearestNeighborDistribution computes per-point nearest-neighbor distances
// (self excluded; coincident points give 0) and their summary statistics:
// mean, median, population standard deviation, extrema, the 25th/75th/95th
// percentiles, and a 50-bin histogram over [min, max].
//
// Needs at least two points; otherwise ErrInsufficientData.
func (e *Engine) NearestNeighborDistribution() (*NearestNeighborResult, error) {
	n := len(e.pts)
	if n < 2 {
		return nil, fmt.Errorf("%w: nearest-neighbor distribution needs >= 2 points, have %d", ErrInsufficientData, n)
	}
	// A 2-nearest query from each point returns the point itself plus its
	// closest other point; the second distance is the one wanted even when
	// the two hits are coincident.
	dists := make([]float64, n)
	for i, p := range e.pts {
		nb := e.idx.NearestK(p, 2)
		dists[i] = nb[1].Dist
	}

	sorted := append([]float64(nil), dists...)
	sort.Float64s(sorted)

	return &NearestNeighborResult{
		NPoints:   n,
		Mean:      stat.Mean(dists, nil),
		Median:    percentileSorted(sorted, 50),
		Std:       stat.PopStdDev(dists, nil),
		Min:       sorted[0],
		Max:       sorted[n-1],
		P25:       percentileSorted(sorted, 25),
		P75:       percentileSorted(sorted, 75),
		P95:       percentileSorted(sorted, 95),
		Histogram: binValues(dists, nnHistogramBins),
	}, nil
}
