package engine

import (
	"fmt"
	"math"
	"sort"
)

// densityScale converts a per-square-unit count into the reported
// per-10,000-square-units density (per 100x100 cell at micrometer units).
const densityScale = 10000.0

// Hotspot is one grid cell whose point density reached the detection
// threshold.
type Hotspot struct {
	GridX   int     `json:"grid_x"`
	GridY   int     `json:"grid_y"`
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	Count   int     `json:"count"`
	Density float64 `json:"density"`
}

// HotspotResult lists detected hotspots, densest first.
type HotspotResult struct {
	CellSize    float64   `json:"cell_size"`
	MinDensity  float64   `json:"min_density"`
	GridWidth   int       `json:"grid_width"`
	GridHeight  int       `json:"grid_height"`
	TotalCells  int       `json:"total_cells"`
	TotalPoints int       `json:"total_points"`
	NHotspots   int       `json:"n_hotspots"`
	Hotspots    []Hotspot `json:"hotspots"`
	MaxDensity  float64   `json:"max_density"`
	MeanDensity float64   `json:"mean_density"`
}

// DetectHotspots bins points into a cellSize grid spanning the point
// extrema (not the engine bounds) and reports cells whose density, in
// points per 10,000 square units, is at least minDensity. Hotspots are
// ordered by descending density; MeanDensity averages the non-empty cells
// only. An empty point set yields an empty result, not an error.
//
// cellSize must be finite and positive, minDensity finite and
// non-negative; otherwise ErrInvalidInput.
func (e *Engine) DetectHotspots(cellSize, minDensity float64) (*HotspotResult, error) {
	if !isFinite(cellSize) || cellSize <= 0 {
		return nil, fmt.Errorf("%w: cell size must be finite and > 0, got %v", ErrInvalidInput, cellSize)
	}
	if !isFinite(minDensity) || minDensity < 0 {
		return nil, fmt.Errorf("%w: min density must be finite and >= 0, got %v", ErrInvalidInput, minDensity)
	}

	res := &HotspotResult{
		CellSize:   cellSize,
		MinDensity: minDensity,
		Hotspots:   []Hotspot{},
	}
	ext, ok := extrema(e.pts)
	if !ok {
		return res, nil
	}

	nx := gridCells(ext.Width(), cellSize)
	ny := gridCells(ext.Height(), cellSize)
	counts := make([]int, nx*ny)
	for _, p := range e.pts {
		ix := binIndex(p.X, ext.MinX, cellSize, nx)
		iy := binIndex(p.Y, ext.MinY, cellSize, ny)
		counts[iy*nx+ix]++
	}

	cellArea := cellSize * cellSize
	var densSum float64
	var nonEmpty int
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			c := counts[iy*nx+ix]
			density := float64(c) / cellArea * densityScale
			if density > res.MaxDensity {
				res.MaxDensity = density
			}
			if c > 0 {
				densSum += density
				nonEmpty++
			}
			if density >= minDensity {
				res.Hotspots = append(res.Hotspots, Hotspot{
					GridX:   ix,
					GridY:   iy,
					CenterX: ext.MinX + (float64(ix)+0.5)*cellSize,
					CenterY: ext.MinY + (float64(iy)+0.5)*cellSize,
					Count:   c,
					Density: density,
				})
			}
		}
	}
	sort.Slice(res.Hotspots, func(i, j int) bool {
		a, b := res.Hotspots[i], res.Hotspots[j]
		if a.Density != b.Density {
			return a.Density > b.Density
		}
		if a.GridX != b.GridX {
			return a.GridX < b.GridX
		}
		return a.GridY < b.GridY
	})

	res.GridWidth = nx
	res.GridHeight = ny
	res.TotalCells = nx * ny
	res.TotalPoints = len(e.pts)
	res.NHotspots = len(res.Hotspots)
	if nonEmpty > 0 {
		res.MeanDensity = densSum / float64(nonEmpty)
	}
	return res, nil
}

// gridCells returns ceil(extent/cellSize) clamped to at least one cell so
// zero-extent (single point or collinear) inputs still bin.
func gridCells(extent, cellSize float64) int {
	n := int(math.Ceil(extent / cellSize))
	if n < 1 {
		n = 1
	}
	return n
}

// binIndex maps a coordinate to its cell, clamping to the grid so points
// on the upper boundary (or outside the region) land in the border cell.
func binIndex(v, min, cellSize float64, n int) int {
	i := int(math.Floor((v - min) / cellSize))
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	return i
}
