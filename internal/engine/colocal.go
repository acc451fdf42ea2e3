package engine

import (
	"fmt"
	"sort"
)

// ColocalizationResult reports, per label, how a point's neighborhood is
// composed across labels.
//
// Matrix[a][b] is the fraction of neighbors with label b among all
// neighbors seen from points labeled a; each row sums to 1 unless points
// of that label have no neighbors within the radius, in which case the row
// is all zeros. LabelCounts are point totals per label, not neighbor
// totals.
type ColocalizationResult struct {
	Radius      float64                       `json:"radius"`
	Labels      []string                      `json:"labels"`
	Matrix      map[string]map[string]float64 `json:"matrix"`
	LabelCounts map[string]int                `json:"label_counts"`
}

// LabelColocalization tallies the labels of every point's neighbors within
// the given radius (boundary inclusive, the point itself excluded) and
// row-normalizes the label-pair counts.
//
// The radius must be finite and positive (ErrInvalidInput), the point set
// must be labeled (ErrMissingLabels) and non-empty (ErrInsufficientData).
func (e *Engine) LabelColocalization(radius float64) (*ColocalizationResult, error) {
	if !isFinite(radius) || radius <= 0 {
		return nil, fmt.Errorf("%w: radius must be finite and > 0, got %v", ErrInvalidInput, radius)
	}
	if e.labels == nil {
		return nil, fmt.Errorf("%w: colocalization requires labeled points", ErrMissingLabels)
	}
	if len(e.pts) == 0 {
		return nil, fmt.Errorf("%w: colocalization needs >= 1 point", ErrInsufficientData)
	}

	counts := make(map[string]int, 8)
	pairCounts := make(map[string]map[string]int, 8)
	for _, l := range e.labels {
		counts[l]++
		if pairCounts[l] == nil {
			pairCounts[l] = make(map[string]int, 8)
		}
	}

	for i, p := range e.pts {
		from := pairCounts[e.labels[i]]
		for _, nb := range e.idx.WithinRadius(p, radius) {
			if int(nb.Index) == i {
				continue
			}
			from[e.labels[nb.Index]]++
		}
	}

	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	matrix := make(map[string]map[string]float64, len(labels))
	for _, a := range labels {
		row := make(map[string]float64, len(labels))
		total := 0
		for _, b := range labels {
			total += pairCounts[a][b]
		}
		for _, b := range labels {
			if total > 0 {
				row[b] = float64(pairCounts[a][b]) / float64(total)
			} else {
				row[b] = 0
			}
		}
		matrix[a] = row
	}

	return &ColocalizationResult{
		Radius:      radius,
		Labels:      labels,
		Matrix:      matrix,
		LabelCounts: counts,
	}, nil
}
