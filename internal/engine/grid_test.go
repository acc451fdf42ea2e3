package engine

import (
	"errors"
	"testing"
)

func TestDensityGrid_Validation(t *testing.T) {
	e := mustEngine(t, []Point{{0, 0}}, nil, Options{})
	for _, cell := range []float64{0, -10} {
		if _, err := e.DensityGrid(cell); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("cell %v: expected ErrInvalidInput, got %v", cell, err)
		}
	}
}

func TestDensityGrid_SinglePointSingleCell(t *testing.T) {
	b := Bounds{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	e := mustEngine(t, []Point{{5, 5}}, nil, Options{Bounds: &b})

	res, err := e.DensityGrid(10)
	if err != nil {
		t.Fatalf("DensityGrid: %v", err)
	}
	if res.Width != 1 || res.Height != 1 {
		t.Fatalf("expected 1x1 grid, got %dx%d", res.Width, res.Height)
	}
	if res.Counts[0][0] != 1 {
		t.Fatalf("expected count 1, got %v", res.Counts[0][0])
	}
	if res.MaxCount != 1 || res.TotalCount != 1 {
		t.Fatalf("expected max=1 total=1, got max=%d total=%d", res.MaxCount, res.TotalCount)
	}
}

func TestDensityGrid_RowIsYColumnIsX(t *testing.T) {
	b := Bounds{MinX: 0, MinY: 0, MaxX: 20, MaxY: 10}
	e := mustEngine(t, []Point{{15, 2}}, nil, Options{Bounds: &b})

	res, err := e.DensityGrid(5)
	if err != nil {
		t.Fatalf("DensityGrid: %v", err)
	}
	if res.Width != 4 || res.Height != 2 {
		t.Fatalf("expected 4x2 grid, got %dx%d", res.Width, res.Height)
	}
	if res.Counts[0][3] != 1 {
		t.Fatalf("expected point in row 0 column 3, got grid %v", res.Counts)
	}
}

func TestDensityGrid_UpperBoundaryClamped(t *testing.T) {
	b := Bounds{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	e := mustEngine(t, []Point{{10, 10}}, nil, Options{Bounds: &b})

	res, err := e.DensityGrid(5)
	if err != nil {
		t.Fatalf("DensityGrid: %v", err)
	}
	if res.Counts[1][1] != 1 {
		t.Fatalf("expected boundary point in last cell, got grid %v", res.Counts)
	}
	if res.TotalCount != 1 {
		t.Fatalf("expected total 1, got %d", res.TotalCount)
	}
}

func TestDensityGrid_OutsidePointsLandOnBorder(t *testing.T) {
	b := Bounds{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	e := mustEngine(t, []Point{{-100, 5}, {100, 5}}, nil, Options{Bounds: &b})

	res, err := e.DensityGrid(5)
	if err != nil {
		t.Fatalf("DensityGrid: %v", err)
	}
	if res.Counts[1][0] != 1 || res.Counts[1][1] != 1 {
		t.Fatalf("expected outside points clamped to border cells, got %v", res.Counts)
	}
}

func TestDensityGrid_EmptySetZeroGrid(t *testing.T) {
	b := Bounds{MinX: 0, MinY: 0, MaxX: 100, MaxY: 50}
	e := mustEngine(t, nil, nil, Options{Bounds: &b})

	res, err := e.DensityGrid(25)
	if err != nil {
		t.Fatalf("DensityGrid: %v", err)
	}
	if res.Width != 4 || res.Height != 2 {
		t.Fatalf("expected 4x2 grid, got %dx%d", res.Width, res.Height)
	}
	for y, row := range res.Counts {
		for x, v := range row {
			if v != 0 {
				t.Fatalf("expected zero grid, got %v at (%d,%d)", v, x, y)
			}
		}
	}
	if res.MaxCount != 0 || res.TotalCount != 0 {
		t.Fatalf("expected empty totals, got max=%d total=%d", res.MaxCount, res.TotalCount)
	}
}

func TestDensityGrid_PerLabel(t *testing.T) {
	b := Bounds{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	pts := []Point{{1, 1}, {6, 6}, {7, 7}}
	e := mustEngine(t, pts, []string{"tumor", "stroma", "stroma"}, Options{Bounds: &b})

	res, err := e.DensityGrid(5)
	if err != nil {
		t.Fatalf("DensityGrid: %v", err)
	}
	if len(res.ByLabel) != 2 {
		t.Fatalf("expected 2 label grids, got %d", len(res.ByLabel))
	}
	if res.ByLabel["tumor"][0][0] != 1 {
		t.Fatalf("expected tumor point at (0,0), got %v", res.ByLabel["tumor"])
	}
	if res.ByLabel["stroma"][1][1] != 2 {
		t.Fatalf("expected 2 stroma points at (1,1), got %v", res.ByLabel["stroma"])
	}
	// Label grids partition the full grid.
	if res.Counts[1][1] != 2 || res.Counts[0][0] != 1 {
		t.Fatalf("unexpected combined grid %v", res.Counts)
	}
}
