package engine

import (
	"container/heap"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is one spatial query hit: the point's position in the engine's
// input slice and its Euclidean distance from the query location.
type Neighbor struct {
	Index int32   `json:"index"`
	Dist  float64 `json:"distance"`
}

// Index answers proximity queries over a fixed point set. Implementations
// are immutable after construction and safe for concurrent readers.
//
// Result ordering is deterministic: ascending distance, ties broken by
// ascending point index. Radius boundaries are inclusive.
type Index interface {
	Len() int
	// NearestK returns the min(k, Len) points closest to q.
	NearestK(q Point, k int) []Neighbor
	// WithinRadius returns every point at distance <= r from q.
	WithinRadius(q Point, r float64) []Neighbor
	// PairsWithinRadius returns each unordered pair of distinct points at
	// distance <= r, exactly once, with i < j.
	PairsWithinRadius(r float64) [][2]int32
}

// Below this size a linear scan beats tree construction plus traversal.
const kdIndexThreshold = 32

// newIndex builds the query structure for pts. The slice must already be
// validated; it is retained, not copied.
func newIndex(pts []Point) Index {
	if len(pts) < kdIndexThreshold {
		return linearIndex(pts)
	}
	return newKDIndex(pts)
}

// kdPoint carries the original slice position through the tree so query
// hits map back to points (and labels) without a search.
type kdPoint struct {
	x, y float64
	id   int32
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint)
	switch d {
	case 0:
		return p.x - q.x
	default:
		return p.y - q.y
	}
}

func (p kdPoint) Dims() int { return 2 }

// Distance returns the squared Euclidean distance; callers take the root
// once per reported hit.
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(kdPoint)
	dx := p.x - q.x
	dy := p.y - q.y
	return dx*dx + dy*dy
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p kdPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(kdPlane{kdPoints: p, Dim: d}, kdtree.MedianOfRandoms(kdPlane{kdPoints: p, Dim: d}, 100))
}

// kdPlane projects kdPoints onto one dimension for pivot selection.
type kdPlane struct {
	kdPoints
	kdtree.Dim
}

func (p kdPlane) Less(i, j int) bool {
	if p.Dim == 0 {
		return p.kdPoints[i].x < p.kdPoints[j].x
	}
	return p.kdPoints[i].y < p.kdPoints[j].y
}

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	return kdPlane{kdPoints: p.kdPoints[start:end], Dim: p.Dim}
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}

type kdIndex struct {
	tree *kdtree.Tree
	pts  []Point
}

func newKDIndex(pts []Point) *kdIndex {
	data := make(kdPoints, len(pts))
	for i, p := range pts {
		data[i] = kdPoint{x: p.X, y: p.Y, id: int32(i)}
	}
	return &kdIndex{tree: kdtree.New(data, true), pts: pts}
}

func (x *kdIndex) Len() int { return len(x.pts) }

func (x *kdIndex) NearestK(q Point, k int) []Neighbor {
	if k <= 0 || len(x.pts) == 0 {
		return nil
	}
	if k > len(x.pts) {
		k = len(x.pts)
	}
	keeper := kdtree.NewNKeeper(k)
	x.tree.NearestSet(keeper, kdPoint{x: q.X, y: q.Y, id: -1})
	return drainKeeper(keeper, k)
}

func (x *kdIndex) WithinRadius(q Point, r float64) []Neighbor {
	if r < 0 || len(x.pts) == 0 {
		return nil
	}
	// The keeper compares against Distance(), which is squared.
	keeper := kdtree.NewDistKeeper(r * r)
	x.tree.NearestSet(keeper, kdPoint{x: q.X, y: q.Y, id: -1})
	return drainKeeper(keeper, 0)
}

func (x *kdIndex) PairsWithinRadius(r float64) [][2]int32 {
	return pairsViaRadius(x, x.pts, r)
}

// drainKeeper empties a keeper heap into a deterministically ordered
// neighbor slice. The keeper may still hold its infinite-distance sentinel
// when fewer than the requested hits exist; the type assertion filters it.
func drainKeeper(k heap.Interface, sizeHint int) []Neighbor {
	out := make([]Neighbor, 0, sizeHint)
	for k.Len() > 0 {
		item := heap.Pop(k).(kdtree.ComparableDist)
		p, ok := item.Comparable.(kdPoint)
		if !ok {
			continue
		}
		out = append(out, Neighbor{Index: p.id, Dist: math.Sqrt(item.Dist)})
	}
	sortNeighbors(out)
	return out
}

// linearIndex is the brute-force implementation: exact, allocation-light,
// and the reference the tree-backed index is tested against.
type linearIndex []Point

func (x linearIndex) Len() int { return len(x) }

func (x linearIndex) NearestK(q Point, k int) []Neighbor {
	if k <= 0 || len(x) == 0 {
		return nil
	}
	if k > len(x) {
		k = len(x)
	}
	all := make([]Neighbor, len(x))
	for i, p := range x {
		all[i] = Neighbor{Index: int32(i), Dist: q.DistanceTo(p)}
	}
	sortNeighbors(all)
	return all[:k]
}

func (x linearIndex) WithinRadius(q Point, r float64) []Neighbor {
	if r < 0 {
		return nil
	}
	r2 := r * r
	var out []Neighbor
	for i, p := range x {
		dx := q.X - p.X
		dy := q.Y - p.Y
		if d2 := dx*dx + dy*dy; d2 <= r2 {
			out = append(out, Neighbor{Index: int32(i), Dist: math.Sqrt(d2)})
		}
	}
	sortNeighbors(out)
	return out
}

func (x linearIndex) PairsWithinRadius(r float64) [][2]int32 {
	if r < 0 {
		return nil
	}
	r2 := r * r
	var out [][2]int32
	for i := 0; i < len(x); i++ {
		for j := i + 1; j < len(x); j++ {
			dx := x[i].X - x[j].X
			dy := x[i].Y - x[j].Y
			if dx*dx+dy*dy <= r2 {
				out = append(out, [2]int32{int32(i), int32(j)})
			}
		}
	}
	return out
}

// pairsViaRadius enumerates pairs through per-point radius queries, keeping
// only the (i, j) with j > i so each pair appears once.
func pairsViaRadius(x Index, pts []Point, r float64) [][2]int32 {
	if r < 0 {
		return nil
	}
	var out [][2]int32
	for i, p := range pts {
		for _, nb := range x.WithinRadius(p, r) {
			if int(nb.Index) > i {
				out = append(out, [2]int32{int32(i), nb.Index})
			}
		}
	}
	return out
}

func sortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Dist != ns[j].Dist {
			return ns[i].Dist < ns[j].Dist
		}
		return ns[i].Index < ns[j].Index
	})
}
