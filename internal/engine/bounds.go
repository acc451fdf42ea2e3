package engine

import (
	"fmt"
)

// DefaultBounds is the analysis region assumed for an empty point set when
// the caller supplies neither explicit nor fallback bounds. It matches the
// reference slide dimensions used by the synthetic generator.
var DefaultBounds = Bounds{MinX: 0, MinY: 0, MaxX: 100000, MaxY: 80000}

// boundsPadding is added around the point extrema when bounds are derived
// rather than supplied.
const boundsPadding = 100.0

// Bounds is an axis-aligned analysis region.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

func (b Bounds) Width() float64  { return b.MaxX - b.MinX }
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }
func (b Bounds) Area() float64   { return b.Width() * b.Height() }

// Contains reports whether p lies inside b, borders included.
func (b Bounds) Contains(p Point) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}

func (b Bounds) finite() bool {
	return isFinite(b.MinX) && isFinite(b.MinY) && isFinite(b.MaxX) && isFinite(b.MaxY)
}

func (b Bounds) validate() error {
	if !b.finite() {
		return fmt.Errorf("%w: bounds must be finite, got %+v", ErrInvalidInput, b)
	}
	if b.MaxX <= b.MinX || b.MaxY <= b.MinY {
		return fmt.Errorf("%w: degenerate bounds %+v", ErrInvalidInput, b)
	}
	return nil
}

// resolveBounds picks the analysis region: explicit bounds win, otherwise
// the point extrema padded on all sides, otherwise (empty set) the fallback.
func resolveBounds(pts []Point, explicit, fallback *Bounds) (Bounds, error) {
	if explicit != nil {
		if err := explicit.validate(); err != nil {
			return Bounds{}, err
		}
		return *explicit, nil
	}
	if ext, ok := extrema(pts); ok {
		return Bounds{
			MinX: ext.MinX - boundsPadding,
			MinY: ext.MinY - boundsPadding,
			MaxX: ext.MaxX + boundsPadding,
			MaxY: ext.MaxY + boundsPadding,
		}, nil
	}
	if fallback != nil {
		if err := fallback.validate(); err != nil {
			return Bounds{}, err
		}
		return *fallback, nil
	}
	return DefaultBounds, nil
}
