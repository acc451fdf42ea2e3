package engine

import (
	"errors"
	"math"
	"testing"
)

func TestKernelDensity_Validation(t *testing.T) {
	pts := randomPoints(20, 3)
	e := mustEngine(t, pts, nil, Options{})
	for _, res := range []int{1, 0, -4} {
		if _, err := e.KernelDensity(res, 1); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("resolution %d: expected ErrInvalidInput, got %v", res, err)
		}
	}
}

func TestKernelDensity_InsufficientData(t *testing.T) {
	pts := randomPoints(kdeMinPoints-1, 3)
	e := mustEngine(t, pts, nil, Options{})
	if _, err := e.KernelDensity(16, 1); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestKernelDensity_DegenerateCovariance(t *testing.T) {
	// Collinear points: zero variance along y, covariance not positive
	// definite.
	pts := make([]Point, 12)
	for i := range pts {
		pts[i] = Point{X: float64(i) * 10, Y: 0}
	}
	e := mustEngine(t, pts, nil, Options{})
	if _, err := e.KernelDensity(16, 1); !errors.Is(err, ErrNumericFailure) {
		t.Fatalf("expected ErrNumericFailure, got %v", err)
	}
}

func TestKernelDensity_NormalizedSurface(t *testing.T) {
	pts := randomPoints(200, 17)
	e := mustEngine(t, pts, nil, Options{})

	res, err := e.KernelDensity(16, 1)
	if err != nil {
		t.Fatalf("KernelDensity: %v", err)
	}
	if res.Resolution != 16 || len(res.Density) != 16 || len(res.Density[0]) != 16 {
		t.Fatalf("unexpected grid shape: %d rows", len(res.Density))
	}
	if len(res.XCoords) != 16 || len(res.YCoords) != 16 {
		t.Fatalf("expected 16 mesh coordinates per axis")
	}
	if res.XCoords[0] != e.Bounds().MinX {
		t.Fatalf("mesh does not start at MinX: %v", res.XCoords[0])
	}
	approx(t, "mesh upper end", res.XCoords[15], e.Bounds().MaxX, 1e-6)

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, row := range res.Density {
		for _, v := range row {
			if v < 0 || v > 1 {
				t.Fatalf("density %v outside [0, 1]", v)
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if lo != 0 {
		t.Fatalf("expected min-max normalized floor 0, got %v", lo)
	}
	if hi < 0.99 {
		t.Fatalf("expected peak near 1, got %v", hi)
	}

	if res.NUsed != 200 {
		t.Fatalf("expected all 200 points used, got %d", res.NUsed)
	}
	approx(t, "scott factor", res.BandwidthFactor, math.Pow(200, -1.0/6.0), 1e-15)
}

func TestKernelDensity_SubsampleSeedReproducible(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping subsample test in short mode")
	}
	pts := randomPoints(kdeMaxSamples+100, 29)
	e := mustEngine(t, pts, nil, Options{})

	a, err := e.KernelDensity(4, 42)
	if err != nil {
		t.Fatalf("KernelDensity: %v", err)
	}
	if a.NUsed != kdeMaxSamples {
		t.Fatalf("expected subsample of %d, got %d", kdeMaxSamples, a.NUsed)
	}

	b, err := e.KernelDensity(4, 42)
	if err != nil {
		t.Fatalf("KernelDensity: %v", err)
	}
	for y := range a.Density {
		for x := range a.Density[y] {
			if a.Density[y][x] != b.Density[y][x] {
				t.Fatalf("same seed produced different surfaces at (%d,%d)", x, y)
			}
		}
	}

	c, err := e.KernelDensity(4, 7)
	if err != nil {
		t.Fatalf("KernelDensity: %v", err)
	}
	same := true
	for y := range a.Density {
		for x := range a.Density[y] {
			if a.Density[y][x] != c.Density[y][x] {
				same = false
			}
		}
	}
	if same {
		t.Fatalf("different seeds produced identical subsampled surfaces")
	}
}
