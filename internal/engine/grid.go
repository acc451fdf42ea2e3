package engine

import (
	"fmt"
)

// DensityGridResult is a count grid over the engine bounds, row-major with
// row = y bin and column = x bin, origin at (MinX, MinY). Values are
// integral counts stored as float64 for downstream smoothing.
type DensityGridResult struct {
	CellSize   float64                `json:"grid_size"`
	Bounds     Bounds                 `json:"bounds"`
	Width      int                    `json:"width"`
	Height     int                    `json:"height"`
	Counts     [][]float64            `json:"grid"`
	MaxCount   int                    `json:"max_count"`
	TotalCount int                    `json:"total_count"`
	ByLabel    map[string][][]float64 `json:"by_label,omitempty"`
}

// DensityGrid bins all points into cellSize cells covering the engine
// bounds. Grid dimensions are ceil(extent/cellSize); indices clamp to the
// grid, so points on the upper boundary or outside the bounds land in
// border cells. An empty point set yields the zero grid of the same shape.
// When the point set is labeled, ByLabel carries one count grid per
// distinct label.
//
// cellSize must be finite and positive; otherwise ErrInvalidInput.
func (e *Engine) DensityGrid(cellSize float64) (*DensityGridResult, error) {
	res, err := e.countGrid(cellSize)
	if err != nil {
		return nil, err
	}
	if e.labels != nil && len(e.pts) > 0 {
		byLabel := make(map[string][][]float64)
		for i, p := range e.pts {
			g, ok := byLabel[e.labels[i]]
			if !ok {
				g = allocGrid(res.Height, res.Width)
				byLabel[e.labels[i]] = g
			}
			ix := binIndex(p.X, e.bounds.MinX, cellSize, res.Width)
			iy := binIndex(p.Y, e.bounds.MinY, cellSize, res.Height)
			g[iy][ix]++
		}
		res.ByLabel = byLabel
	}
	return res, nil
}

// countGrid is the label-free core of DensityGrid, also feeding the
// smoothing stage.
func (e *Engine) countGrid(cellSize float64) (*DensityGridResult, error) {
	if !isFinite(cellSize) || cellSize <= 0 {
		return nil, fmt.Errorf("%w: cell size must be finite and > 0, got %v", ErrInvalidInput, cellSize)
	}
	nx := gridCells(e.bounds.Width(), cellSize)
	ny := gridCells(e.bounds.Height(), cellSize)
	counts := allocGrid(ny, nx)

	maxCount := 0
	for _, p := range e.pts {
		ix := binIndex(p.X, e.bounds.MinX, cellSize, nx)
		iy := binIndex(p.Y, e.bounds.MinY, cellSize, ny)
		counts[iy][ix]++
		if c := int(counts[iy][ix]); c > maxCount {
			maxCount = c
		}
	}
	return &DensityGridResult{
		CellSize:   cellSize,
		Bounds:     e.bounds,
		Width:      nx,
		Height:     ny,
		Counts:     counts,
		MaxCount:   maxCount,
		TotalCount: len(e.pts),
	}, nil
}

func allocGrid(ny, nx int) [][]float64 {
	g := make([][]float64, ny)
	cells := make([]float64, ny*nx)
	for y := range g {
		g[y] = cells[y*nx : (y+1)*nx : (y+1)*nx]
	}
	return g
}
