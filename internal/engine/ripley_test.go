package engine

import (
	"errors"
	"math"
	"testing"
)

func TestRipleysK_Validation(t *testing.T) {
	e := mustEngine(t, []Point{{0, 0}, {1, 1}, {2, 2}}, nil, Options{})

	cases := []struct {
		name  string
		radii []float64
		area  float64
	}{
		{"noRadii", nil, 100},
		{"negativeRadius", []float64{-1}, 100},
		{"zeroRadius", []float64{0, 1}, 100},
		{"notIncreasing", []float64{10, 10}, 100},
		{"decreasing", []float64{10, 5}, 100},
		{"zeroArea", []float64{1}, 0},
		{"nanArea", []float64{1}, math.NaN()},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := e.RipleysK(c.radii, c.area); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRipleysK_InsufficientData(t *testing.T) {
	for _, pts := range [][]Point{nil, {{1, 1}}} {
		e := mustEngine(t, pts, nil, Options{})
		_, err := e.RipleysK([]float64{10}, 100)
		if !errors.Is(err, ErrInsufficientData) {
			t.Fatalf("n=%d: expected ErrInsufficientData, got %v", len(pts), err)
		}
	}
}

func TestRipleysK_TwoPoints(t *testing.T) {
	// One pair at distance 3; with area 100, K = 100 * 2*1 / (2*1) = 100.
	e := mustEngine(t, []Point{{0, 0}, {3, 0}}, nil, Options{})
	res, err := e.RipleysK([]float64{3}, 100)
	if err != nil {
		t.Fatalf("RipleysK: %v", err)
	}
	entry := res.Entries[0]
	approx(t, "k", entry.K, 100, 1e-9)
	approx(t, "l", entry.L, math.Sqrt(100/math.Pi)-3, 1e-9)
	approx(t, "csr", entry.CSR, math.Pi*9, 1e-9)
	if !entry.Clustered {
		t.Fatalf("expected clustered=true for K=%v vs CSR=%v", entry.K, entry.CSR)
	}

	// Below the pair distance no pairs are found.
	res, err = e.RipleysK([]float64{2.9}, 100)
	if err != nil {
		t.Fatalf("RipleysK: %v", err)
	}
	if res.Entries[0].K != 0 {
		t.Fatalf("expected K=0 below pair distance, got %v", res.Entries[0].K)
	}
}

// Uniform points should track the CSR expectation: K(r) close to pi*r^2
// for radii small against the region. The estimator is uncorrected, so a
// modest downward bias from boundary truncation is expected.
func TestRipleysK_UniformApproxCSR(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping statistical check in short mode")
	}
	pts := randomPoints(2000, 42) // uniform over 1000 x 800
	area := 1000.0 * 800.0
	e := mustEngine(t, pts, nil, Options{})

	res, err := e.RipleysK([]float64{20, 40}, area)
	if err != nil {
		t.Fatalf("RipleysK: %v", err)
	}
	for _, entry := range res.Entries {
		ratio := entry.K / entry.CSR
		if ratio < 0.75 || ratio > 1.25 {
			t.Fatalf("r=%v: K/CSR = %v, outside [0.75, 1.25] (K=%v, CSR=%v)", entry.Radius, ratio, entry.K, entry.CSR)
		}
	}
}

func TestRipleysK_ClusteredFlag(t *testing.T) {
	// Two tight far-apart clusters over a huge area: K far exceeds CSR at
	// the intra-cluster scale.
	var pts []Point
	for i := 0; i < 50; i++ {
		o := float64(i) * 0.1
		pts = append(pts, Point{o, 0}, Point{10000 + o, 10000})
	}
	e := mustEngine(t, pts, nil, Options{})
	res, err := e.RipleysK([]float64{10}, 1e8)
	if err != nil {
		t.Fatalf("RipleysK: %v", err)
	}
	if !res.Entries[0].Clustered {
		t.Fatalf("expected clustered distribution, K=%v CSR=%v", res.Entries[0].K, res.Entries[0].CSR)
	}
	if res.Entries[0].L <= 0 {
		t.Fatalf("expected positive L for clustered points, got %v", res.Entries[0].L)
	}
}
