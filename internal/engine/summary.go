package engine

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// SummaryResult is the per-slide spatial overview: counts, overall density,
// centroid, tight extent, optional label breakdown and, when at least two
// points exist, the nearest-neighbor distribution.
type SummaryResult struct {
	TotalCount        int                    `json:"total_count"`
	Area              float64                `json:"area"`
	Density           float64                `json:"density"`
	Centroid          Point                  `json:"centroid"`
	Extent            Bounds                 `json:"extent"`
	LabelDistribution map[string]int         `json:"label_distribution,omitempty"`
	NearestNeighbor   *NearestNeighborResult `json:"nearest_neighbor,omitempty"`
}

// SummaryStatistics computes the overview for the given region area.
// Density is points per million square units. area must be finite and
// positive (ErrInvalidInput); an empty point set is ErrInsufficientData.
func (e *Engine) SummaryStatistics(area float64) (*SummaryResult, error) {
	if !isFinite(area) || area <= 0 {
		return nil, fmt.Errorf("%w: area must be finite and > 0, got %v", ErrInvalidInput, area)
	}
	n := len(e.pts)
	if n == 0 {
		return nil, fmt.Errorf("%w: summary statistics need >= 1 point", ErrInsufficientData)
	}

	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, p := range e.pts {
		xs[i] = p.X
		ys[i] = p.Y
	}
	ext, _ := extrema(e.pts)

	res := &SummaryResult{
		TotalCount: n,
		Area:       area,
		Density:    float64(n) / area * 1e6,
		Centroid:   Point{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil)},
		Extent:     ext,
	}
	if e.labels != nil {
		dist := make(map[string]int, 8)
		for _, l := range e.labels {
			dist[l]++
		}
		res.LabelDistribution = dist
	}
	if n >= 2 {
		nn, err := e.NearestNeighborDistribution()
		if err != nil {
			return nil, err
		}
		res.NearestNeighbor = nn
	}
	return res, nil
}
