package engine

import (
	"fmt"
	"math"
)

// PointDensityAt returns the local density around q: the number of points
// at distance <= radius, divided by the disc area and scaled to points per
// million square units. It scans the point set directly rather than
// querying the index, keeping single-probe cost strictly O(N) with no
// build dependency. An empty point set yields 0.
//
// The query point must be finite and radius finite and positive; otherwise
// ErrInvalidInput.
func (e *Engine) PointDensityAt(q Point, radius float64) (float64, error) {
	if !q.finite() {
		return 0, fmt.Errorf("%w: non-finite query point", ErrInvalidInput)
	}
	if !isFinite(radius) || radius <= 0 {
		return 0, fmt.Errorf("%w: radius must be finite and > 0, got %v", ErrInvalidInput, radius)
	}
	if len(e.pts) == 0 {
		return 0, nil
	}
	r2 := radius * radius
	count := 0
	for _, p := range e.pts {
		dx := p.X - q.X
		dy := p.Y - q.Y
		if dx*dx+dy*dy <= r2 {
			count++
		}
	}
	return float64(count) / (math.Pi * radius * radius) * 1e6, nil
}
