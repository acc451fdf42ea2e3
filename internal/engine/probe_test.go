package engine

import (
	"errors"
	"math"
	"testing"
)

func TestPointDensityAt_Validation(t *testing.T) {
	e := mustEngine(t, []Point{{0, 0}}, nil, Options{})
	for _, r := range []float64{0, -1, math.Inf(1)} {
		if _, err := e.PointDensityAt(Point{0, 0}, r); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("radius %v: expected ErrInvalidInput, got %v", r, err)
		}
	}
	if _, err := e.PointDensityAt(Point{math.NaN(), 0}, 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for non-finite query, got %v", err)
	}
}

func TestPointDensityAt_EmptySet(t *testing.T) {
	e := mustEngine(t, nil, nil, Options{})
	d, err := e.PointDensityAt(Point{50, 50}, 100)
	if err != nil {
		t.Fatalf("PointDensityAt: %v", err)
	}
	if d != 0 {
		t.Fatalf("expected density 0 for empty set, got %v", d)
	}
}

func TestPointDensityAt_KnownCount(t *testing.T) {
	// Four points at distance exactly 1 (boundary inclusive), one outside.
	pts := []Point{{1, 0}, {0, 1}, {-1, 0}, {0, -1}, {3, 0}}
	e := mustEngine(t, pts, nil, Options{})

	d, err := e.PointDensityAt(Point{0, 0}, 1)
	if err != nil {
		t.Fatalf("PointDensityAt: %v", err)
	}
	want := 4 / math.Pi * 1e6
	approx(t, "density", d, want, 1e-6)
}
