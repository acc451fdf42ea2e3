package engine

import (
	"errors"
	"testing"
)

func TestDetectHotspots_Validation(t *testing.T) {
	e := mustEngine(t, []Point{{0, 0}}, nil, Options{})
	if _, err := e.DetectHotspots(0, 5); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("cell size 0: expected ErrInvalidInput, got %v", err)
	}
	if _, err := e.DetectHotspots(100, -1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("negative threshold: expected ErrInvalidInput, got %v", err)
	}
}

func TestDetectHotspots_EmptySet(t *testing.T) {
	e := mustEngine(t, nil, nil, Options{})
	res, err := e.DetectHotspots(100, 5)
	if err != nil {
		t.Fatalf("DetectHotspots: %v", err)
	}
	if len(res.Hotspots) != 0 || res.NHotspots != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestDetectHotspots_SingleCellCluster(t *testing.T) {
	// Four points within a unit square, cell size 10: one cell holds
	// everything. Density = 4 / 100 * 10000 = 400.
	pts := []Point{{0, 0}, {1, 0}, {0, 1}, {1, 1}}
	e := mustEngine(t, pts, nil, Options{})

	res, err := e.DetectHotspots(10, 1)
	if err != nil {
		t.Fatalf("DetectHotspots: %v", err)
	}
	if res.GridWidth != 1 || res.GridHeight != 1 {
		t.Fatalf("expected 1x1 grid, got %dx%d", res.GridWidth, res.GridHeight)
	}
	if res.NHotspots != 1 {
		t.Fatalf("expected exactly one hotspot, got %d", res.NHotspots)
	}
	h := res.Hotspots[0]
	if h.Count != 4 {
		t.Fatalf("expected count 4, got %d", h.Count)
	}
	approx(t, "density", h.Density, 400, 1e-9)
	approx(t, "centerX", h.CenterX, 5, 1e-9)
	approx(t, "centerY", h.CenterY, 5, 1e-9)
	approx(t, "maxDensity", res.MaxDensity, 400, 1e-9)
	approx(t, "meanDensity", res.MeanDensity, 400, 1e-9)
	if res.TotalPoints != 4 || res.TotalCells != 1 {
		t.Fatalf("expected 4 points over 1 cell, got %d over %d", res.TotalPoints, res.TotalCells)
	}
}

func TestDetectHotspots_ThresholdFilters(t *testing.T) {
	pts := []Point{{0, 0}, {1, 0}, {0, 1}, {1, 1}}
	e := mustEngine(t, pts, nil, Options{})

	res, err := e.DetectHotspots(10, 500)
	if err != nil {
		t.Fatalf("DetectHotspots: %v", err)
	}
	if res.NHotspots != 0 {
		t.Fatalf("expected no hotspots above threshold 500, got %d", res.NHotspots)
	}
	approx(t, "maxDensity", res.MaxDensity, 400, 1e-9)
}

func TestDetectHotspots_SortedByDensityDesc(t *testing.T) {
	// Dense cluster near the origin, sparse one ~250 units away; cell
	// size 100 separates them.
	var pts []Point
	for i := 0; i < 9; i++ {
		pts = append(pts, Point{float64(i % 3), float64(i / 3)})
	}
	pts = append(pts, Point{250, 250}, Point{251, 250})

	e := mustEngine(t, pts, nil, Options{})
	res, err := e.DetectHotspots(100, 1)
	if err != nil {
		t.Fatalf("DetectHotspots: %v", err)
	}
	if res.NHotspots != 2 {
		t.Fatalf("expected two hotspots, got %d: %+v", res.NHotspots, res.Hotspots)
	}
	if res.Hotspots[0].Count != 9 || res.Hotspots[1].Count != 2 {
		t.Fatalf("expected densest first, got counts %d, %d", res.Hotspots[0].Count, res.Hotspots[1].Count)
	}
	if res.Hotspots[0].Density < res.Hotspots[1].Density {
		t.Fatalf("hotspots not sorted by density: %v < %v", res.Hotspots[0].Density, res.Hotspots[1].Density)
	}
	// Cell area 10000 makes density equal the raw count; the mean is over
	// non-empty cells only.
	wantMean := (9.0 + 2.0) / 2
	approx(t, "meanDensity", res.MeanDensity, wantMean, 1e-9)
}

func TestDetectHotspots_ZeroExtent(t *testing.T) {
	// Coincident points have zero extent; the grid still has one cell.
	e := mustEngine(t, []Point{{7, 7}, {7, 7}, {7, 7}}, nil, Options{})
	res, err := e.DetectHotspots(50, 0)
	if err != nil {
		t.Fatalf("DetectHotspots: %v", err)
	}
	if res.GridWidth != 1 || res.GridHeight != 1 {
		t.Fatalf("expected 1x1 grid for zero extent, got %dx%d", res.GridWidth, res.GridHeight)
	}
	if res.NHotspots != 1 || res.Hotspots[0].Count != 3 {
		t.Fatalf("expected one hotspot with count 3, got %+v", res.Hotspots)
	}
}
