package engine

import (
	"errors"
	"math"
	"testing"
)

func TestGaussianBlur_SigmaZeroIsIdentity(t *testing.T) {
	grid := [][]float64{{1, 2, 3}, {4, 5, 6}}
	got := gaussianBlur(grid, 0)
	for y := range grid {
		for x := range grid[y] {
			if got[y][x] != grid[y][x] {
				t.Fatalf("expected identity at (%d,%d): %v != %v", x, y, got[y][x], grid[y][x])
			}
		}
	}
	// Output is a copy, not an alias.
	got[0][0] = 99
	if grid[0][0] == 99 {
		t.Fatalf("blur output aliases input")
	}
}

func TestGaussianBlur_PreservesMass(t *testing.T) {
	grid := [][]float64{
		{0, 1, 0, 2, 0},
		{3, 0, 0, 0, 1},
		{0, 5, 1, 0, 0},
		{2, 0, 0, 4, 0},
	}
	var before float64
	for _, row := range grid {
		for _, v := range row {
			before += v
		}
	}
	blurred := gaussianBlur(grid, 1.3)
	var after float64
	for _, row := range blurred {
		for _, v := range row {
			after += v
		}
	}
	approx(t, "mass", after, before, 1e-9)
}

func TestGaussianKernel(t *testing.T) {
	k := gaussianKernel(2)
	sigma := 2.0
	wantLen := 2*int(4*sigma+0.5) + 1
	if len(k) != wantLen {
		t.Fatalf("expected kernel length %d, got %d", wantLen, len(k))
	}
	var sum float64
	for _, w := range k {
		sum += w
	}
	approx(t, "kernel sum", sum, 1, 1e-12)
	// Symmetric and peaked at the center.
	mid := len(k) / 2
	for i := 0; i < mid; i++ {
		approx(t, "symmetry", k[i], k[len(k)-1-i], 1e-15)
		if k[i] > k[mid] {
			t.Fatalf("kernel not peaked at center: k[%d]=%v > k[mid]=%v", i, k[i], k[mid])
		}
	}
}

func TestReflectIndex(t *testing.T) {
	cases := []struct{ i, n, want int }{
		{0, 5, 0},
		{4, 5, 4},
		{-1, 5, 0},
		{-2, 5, 1},
		{5, 5, 4},
		{6, 5, 3},
		{-1, 1, 0},
		{3, 1, 0},
	}
	for _, c := range cases {
		if got := reflectIndex(c.i, c.n); got != c.want {
			t.Fatalf("reflectIndex(%d, %d): expected %d, got %d", c.i, c.n, c.want, got)
		}
	}
}

func TestSmoothedDensity(t *testing.T) {
	t.Run("badSigma", func(t *testing.T) {
		e := mustEngine(t, []Point{{0, 0}}, nil, Options{})
		for _, s := range []float64{-1, math.NaN()} {
			if _, err := e.SmoothedDensity(100, s); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("sigma %v: expected ErrInvalidInput, got %v", s, err)
			}
		}
	})

	t.Run("sigmaZeroRescalesOnly", func(t *testing.T) {
		b := Bounds{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
		e := mustEngine(t, []Point{{1, 1}, {1, 2}, {8, 8}}, nil, Options{Bounds: &b})
		res, err := e.SmoothedDensity(5, 0)
		if err != nil {
			t.Fatalf("SmoothedDensity: %v", err)
		}
		if res.Smoothed[0][0] != 1 || res.Smoothed[1][1] != 0.5 {
			t.Fatalf("expected counts scaled by max, got %v", res.Smoothed)
		}
	})

	t.Run("allZeroStaysZero", func(t *testing.T) {
		b := Bounds{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}
		e := mustEngine(t, nil, nil, Options{Bounds: &b})
		res, err := e.SmoothedDensity(10, 2)
		if err != nil {
			t.Fatalf("SmoothedDensity: %v", err)
		}
		for _, row := range res.Smoothed {
			for _, v := range row {
				if v != 0 {
					t.Fatalf("expected all-zero smoothed grid, got %v", v)
				}
			}
		}
	})

	t.Run("peakIsOne", func(t *testing.T) {
		pts := randomPoints(500, 13)
		e := mustEngine(t, pts, nil, Options{})
		res, err := e.SmoothedDensity(50, 2)
		if err != nil {
			t.Fatalf("SmoothedDensity: %v", err)
		}
		peak := gridMax(res.Smoothed)
		approx(t, "peak", peak, 1, 1e-12)
	})
}

func TestContourLevels(t *testing.T) {
	t.Run("badLevels", func(t *testing.T) {
		e := mustEngine(t, []Point{{0, 0}}, nil, Options{})
		if _, err := e.ContourLevels(100, 0, 2); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("emptyGridEmptyLevels", func(t *testing.T) {
		e := mustEngine(t, nil, nil, Options{})
		res, err := e.ContourLevels(10000, 5, 3)
		if err != nil {
			t.Fatalf("ContourLevels: %v", err)
		}
		if len(res.Levels) != 0 {
			t.Fatalf("expected no levels for empty grid, got %v", res.Levels)
		}
	})

	t.Run("levelsAscendingInRange", func(t *testing.T) {
		pts := randomPoints(800, 21)
		e := mustEngine(t, pts, nil, Options{})
		res, err := e.ContourLevels(50, 5, 3)
		if err != nil {
			t.Fatalf("ContourLevels: %v", err)
		}
		if len(res.Levels) != 5 {
			t.Fatalf("expected 5 levels, got %d", len(res.Levels))
		}
		for i, l := range res.Levels {
			if l <= contourCutoff || l > 1 {
				t.Fatalf("level %d = %v outside (%v, 1]", i, l, contourCutoff)
			}
			if i > 0 && l < res.Levels[i-1] {
				t.Fatalf("levels not ascending: %v", res.Levels)
			}
		}
		wantPct := []float64{20, 38.75, 57.5, 76.25, 95}
		for i, p := range res.Percentiles {
			approx(t, "percentile position", p, wantPct[i], 1e-9)
		}
	})

	t.Run("singleLevel", func(t *testing.T) {
		pts := randomPoints(200, 33)
		e := mustEngine(t, pts, nil, Options{})
		res, err := e.ContourLevels(100, 1, 2)
		if err != nil {
			t.Fatalf("ContourLevels: %v", err)
		}
		if len(res.Levels) != 1 || len(res.Percentiles) != 1 {
			t.Fatalf("expected single level, got %v / %v", res.Levels, res.Percentiles)
		}
		approx(t, "single percentile", res.Percentiles[0], 20, 0)
	})
}
