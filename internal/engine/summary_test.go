package engine

import (
	"errors"
	"math"
	"testing"
)

func TestSummaryStatistics_Validation(t *testing.T) {
	e := mustEngine(t, []Point{{0, 0}}, nil, Options{})
	if _, err := e.SummaryStatistics(0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero area, got %v", err)
	}

	empty := mustEngine(t, nil, nil, Options{})
	if _, err := empty.SummaryStatistics(100); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData for empty set, got %v", err)
	}
}

func TestSummaryStatistics_KnownValues(t *testing.T) {
	pts := []Point{{0, 0}, {2, 0}, {4, 6}}
	labels := []string{"a", "a", "b"}
	e := mustEngine(t, pts, labels, Options{})

	res, err := e.SummaryStatistics(8)
	if err != nil {
		t.Fatalf("SummaryStatistics: %v", err)
	}
	if res.TotalCount != 3 {
		t.Fatalf("expected total 3, got %d", res.TotalCount)
	}
	approx(t, "density", res.Density, 3.0/8.0*1e6, 1e-6)
	approx(t, "centroidX", res.Centroid.X, 2, 1e-12)
	approx(t, "centroidY", res.Centroid.Y, 2, 1e-12)

	want := Bounds{MinX: 0, MinY: 0, MaxX: 4, MaxY: 6}
	if res.Extent != want {
		t.Fatalf("expected extent %+v, got %+v", want, res.Extent)
	}
	if res.LabelDistribution["a"] != 2 || res.LabelDistribution["b"] != 1 {
		t.Fatalf("unexpected label distribution %v", res.LabelDistribution)
	}
	if res.NearestNeighbor == nil {
		t.Fatalf("expected embedded nearest-neighbor stats")
	}
	// Distances to nearest other point: 2, 2, sqrt(40).
	approx(t, "nn mean", res.NearestNeighbor.Mean, (4+math.Sqrt(40))/3, 1e-9)
}

func TestSummaryStatistics_SinglePointOmitsNN(t *testing.T) {
	e := mustEngine(t, []Point{{5, 5}}, nil, Options{})
	res, err := e.SummaryStatistics(100)
	if err != nil {
		t.Fatalf("SummaryStatistics: %v", err)
	}
	if res.NearestNeighbor != nil {
		t.Fatalf("expected no nearest-neighbor block for a single point")
	}
	if res.LabelDistribution != nil {
		t.Fatalf("expected no label distribution for unlabeled set")
	}
	if res.Centroid != (Point{5, 5}) {
		t.Fatalf("unexpected centroid %+v", res.Centroid)
	}
}
