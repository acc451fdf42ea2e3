package engine

import (
	"fmt"
	"math"
)

// Point is a 2D slide coordinate. Units are whatever the annotation source
// used (typically micrometers at level 0); the engine is unit-agnostic.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (p Point) finite() bool {
	return isFinite(p.X) && isFinite(p.Y)
}

// DistanceTo returns the Euclidean distance to q.
func (p Point) DistanceTo(q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return math.Sqrt(dx*dx + dy*dy)
}

func validatePoints(pts []Point) error {
	for i, p := range pts {
		if !p.finite() {
			return fmt.Errorf("%w: point %d has non-finite coordinates (%v, %v)", ErrInvalidInput, i, p.X, p.Y)
		}
	}
	return nil
}

// extrema returns the tight bounding box of pts. ok is false for an empty
// slice.
func extrema(pts []Point) (b Bounds, ok bool) {
	if len(pts) == 0 {
		return Bounds{}, false
	}
	b = Bounds{MinX: pts[0].X, MinY: pts[0].Y, MaxX: pts[0].X, MaxY: pts[0].Y}
	for _, p := range pts[1:] {
		if p.X < b.MinX {
			b.MinX = p.X
		}
		if p.X > b.MaxX {
			b.MaxX = p.X
		}
		if p.Y < b.MinY {
			b.MinY = p.Y
		}
		if p.Y > b.MaxY {
			b.MaxY = p.Y
		}
	}
	return b, true
}
