// Package engine implements spatial statistics and density estimation over
// 2D point annotations: nearest-neighbor distributions, Ripley's K,
// label colocalization, hotspot detection, and discrete, smoothed and
// kernel-based density surfaces.
//
// An Engine is built once per point set and is read-only afterwards; all
// query methods are safe for concurrent use. Operations are synchronous and
// single-threaded; parallelism belongs to the caller.
package engine

import (
	"fmt"
)

// Options configures engine construction.
type Options struct {
	// Bounds fixes the analysis region explicitly. When nil the region is
	// derived from the point extrema with 100 units of padding per side.
	Bounds *Bounds

	// FallbackBounds is the region assumed when the point set is empty and
	// Bounds is nil. Nil selects DefaultBounds.
	FallbackBounds *Bounds
}

// Engine holds a validated point set, optional parallel labels, the
// resolved analysis bounds and a spatial index over the points.
type Engine struct {
	pts    []Point
	labels []string
	bounds Bounds
	idx    Index
}

// New validates points and labels, resolves the analysis bounds and builds
// the spatial index. labels may be nil (unlabeled set); otherwise it must
// be the same length as points. Input slices are copied.
func New(points []Point, labels []string, opts Options) (*Engine, error) {
	if labels != nil && len(labels) != len(points) {
		return nil, fmt.Errorf("%w: %d labels for %d points", ErrInvalidInput, len(labels), len(points))
	}
	if err := validatePoints(points); err != nil {
		return nil, err
	}
	bounds, err := resolveBounds(points, opts.Bounds, opts.FallbackBounds)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		pts:    append([]Point(nil), points...),
		bounds: bounds,
	}
	if labels != nil {
		e.labels = make([]string, len(labels))
		copy(e.labels, labels)
	}
	e.idx = newIndex(e.pts)
	return e, nil
}

// Len returns the number of points.
func (e *Engine) Len() int { return len(e.pts) }

// Bounds returns the resolved analysis region.
func (e *Engine) Bounds() Bounds { return e.bounds }

// Labeled reports whether the point set carries labels.
func (e *Engine) Labeled() bool { return e.labels != nil }

// Points returns a copy of the point set.
func (e *Engine) Points() []Point { return append([]Point(nil), e.pts...) }

// PointAt returns the point at index i.
func (e *Engine) PointAt(i int) Point { return e.pts[i] }

// LabelAt returns the label of the point at index i, or "" for an
// unlabeled point set.
func (e *Engine) LabelAt(i int) string {
	if e.labels == nil {
		return ""
	}
	return e.labels[i]
}

// NearestK returns the min(k, N) points closest to q, ascending by
// distance with index ties ascending. k < 1 or a non-finite q is
// ErrInvalidInput.
func (e *Engine) NearestK(q Point, k int) ([]Neighbor, error) {
	if !q.finite() {
		return nil, fmt.Errorf("%w: non-finite query point", ErrInvalidInput)
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be >= 1, got %d", ErrInvalidInput, k)
	}
	return e.idx.NearestK(q, k), nil
}

// WithinRadius returns every point at distance <= r from q.
func (e *Engine) WithinRadius(q Point, r float64) ([]Neighbor, error) {
	if !q.finite() {
		return nil, fmt.Errorf("%w: non-finite query point", ErrInvalidInput)
	}
	if !isFinite(r) || r < 0 {
		return nil, fmt.Errorf("%w: radius must be finite and >= 0, got %v", ErrInvalidInput, r)
	}
	return e.idx.WithinRadius(q, r), nil
}

// PairsWithinRadius returns each unordered pair of distinct points at
// distance <= r exactly once, as index pairs with i < j.
func (e *Engine) PairsWithinRadius(r float64) ([][2]int32, error) {
	if !isFinite(r) || r < 0 {
		return nil, fmt.Errorf("%w: radius must be finite and >= 0, got %v", ErrInvalidInput, r)
	}
	return e.idx.PairsWithinRadius(r), nil
}
