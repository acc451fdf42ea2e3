package engine

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// percentile returns the p-th percentile (p in [0, 100]) of values using
// linear interpolation between the two closest order statistics, the
// Hyndman–Fan type 7 estimator. The input need not be sorted; it is not
// modified. Callers guarantee len(values) > 0.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := p / 100 * float64(n-1)
	lo := int(math.Floor(pos))
	if lo < 0 {
		lo = 0
	}
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// HistogramData is a fixed-bin histogram reported as counts plus the
// midpoint of each bin.
type HistogramData struct {
	Counts     []int     `json:"counts"`
	BinCenters []float64 `json:"bin_centers"`
}

// binValues builds a histogram with bins equal-width intervals over
// [min(values), max(values)]. The final bin includes its upper edge. A
// degenerate range (all values equal, v) widens to (v-0.5, v+0.5) so every
// sample still lands in a bin. Callers guarantee len(values) > 0 and
// bins > 0.
func binValues(values []float64, bins int) HistogramData {
	lo := floats.Min(values)
	hi := floats.Max(values)
	if lo == hi {
		lo -= 0.5
		hi += 0.5
	}
	edges := floats.Span(make([]float64, bins+1), lo, hi)
	width := (hi - lo) / float64(bins)
	counts := make([]int, bins)
	for _, v := range values {
		i := int((v - lo) / width)
		if i < 0 {
			i = 0
		}
		if i >= bins {
			i = bins - 1
		}
		counts[i]++
	}
	centers := make([]float64, bins)
	for i := range centers {
		centers[i] = (edges[i] + edges[i+1]) / 2
	}
	return HistogramData{Counts: counts, BinCenters: centers}
}
