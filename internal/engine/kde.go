package engine

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	// kdeMinPoints is the smallest set a covariance-based bandwidth can be
	// fit on.
	kdeMinPoints = 10

	// kdeMaxSamples caps the evaluation cost; larger sets are subsampled
	// deterministically from the caller's seed.
	kdeMaxSamples = 50000

	// Squared Mahalanobis distances beyond this underflow exp to exactly 0
	// in float64, so the term can be skipped.
	kdeExpCutoff = 1490.0
)

// KDEResult is a Gaussian kernel density surface evaluated on a regular
// mesh over the engine bounds, min-max normalized to [0, 1]. Density is
// row-major with row = y; XCoords and YCoords are the mesh axes.
type KDEResult struct {
	Resolution      int         `json:"resolution"`
	Bounds          Bounds      `json:"bounds"`
	NUsed           int         `json:"n_used"`
	BandwidthFactor float64     `json:"bandwidth_factor"`
	XCoords         []float64   `json:"x_coords"`
	YCoords         []float64   `json:"y_coords"`
	Density         [][]float64 `json:"density"`
}

// KernelDensity evaluates a bivariate Gaussian KDE with Scott's-rule
// bandwidth (sample covariance scaled by n^(-1/6) squared) on a
// resolution x resolution mesh spanning the bounds. Point sets above
// 50,000 are subsampled without replacement using a generator seeded from
// seed, so equal seeds reproduce equal surfaces. The surface is min-max
// normalized with a small epsilon guard.
//
// resolution must be >= 2 (ErrInvalidInput) and the point set must have at
// least 10 points (ErrInsufficientData). A degenerate covariance, such as
// all points collinear, is ErrNumericFailure.
func (e *Engine) KernelDensity(resolution int, seed int64) (*KDEResult, error) {
	if resolution < 2 {
		return nil, fmt.Errorf("%w: resolution must be >= 2, got %d", ErrInvalidInput, resolution)
	}
	n := len(e.pts)
	if n < kdeMinPoints {
		return nil, fmt.Errorf("%w: KDE needs >= %d points, have %d", ErrInsufficientData, kdeMinPoints, n)
	}

	sample := e.pts
	if n > kdeMaxSamples {
		rng := rand.New(rand.NewSource(seed))
		picked := rng.Perm(n)[:kdeMaxSamples]
		sample = make([]Point, kdeMaxSamples)
		for i, j := range picked {
			sample[i] = e.pts[j]
		}
	}
	nUsed := len(sample)

	xs := make([]float64, nUsed)
	ys := make([]float64, nUsed)
	for i, p := range sample {
		xs[i] = p.X
		ys[i] = p.Y
	}

	// Scott's rule scales the sample covariance by n^(-1/(d+4)) squared,
	// d = 2 here.
	factor := math.Pow(float64(nUsed), -1.0/6.0)
	f2 := factor * factor
	sxx := stat.Variance(xs, nil) * f2
	syy := stat.Variance(ys, nil) * f2
	sxy := stat.Covariance(xs, ys, nil) * f2

	cov := mat.NewSymDense(2, []float64{sxx, sxy, sxy, syy})
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, fmt.Errorf("%w: bandwidth covariance is not positive definite", ErrNumericFailure)
	}
	det := chol.Det()
	if !isFinite(det) || det <= 0 {
		return nil, fmt.Errorf("%w: bandwidth covariance determinant %v", ErrNumericFailure, det)
	}
	// 2x2 inverse in closed form for the evaluation loop.
	i00 := syy / det
	i11 := sxx / det
	i01 := -sxy / det
	normConst := 1 / (2 * math.Pi * math.Sqrt(det) * float64(nUsed))

	meshX := floats.Span(make([]float64, resolution), e.bounds.MinX, e.bounds.MaxX)
	meshY := floats.Span(make([]float64, resolution), e.bounds.MinY, e.bounds.MaxY)

	density := allocGrid(resolution, resolution)
	lo := math.Inf(1)
	hi := math.Inf(-1)
	for yi, gy := range meshY {
		row := density[yi]
		for xi, gx := range meshX {
			var sum float64
			for i := range xs {
				dx := gx - xs[i]
				dy := gy - ys[i]
				q := dx*dx*i00 + 2*dx*dy*i01 + dy*dy*i11
				if q < kdeExpCutoff {
					sum += math.Exp(-0.5 * q)
				}
			}
			v := sum * normConst
			if !isFinite(v) {
				return nil, fmt.Errorf("%w: non-finite density at mesh cell (%d, %d)", ErrNumericFailure, xi, yi)
			}
			row[xi] = v
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}

	denom := hi - lo + 1e-10
	for _, row := range density {
		for i := range row {
			row[i] = (row[i] - lo) / denom
		}
	}

	return &KDEResult{
		Resolution:      resolution,
		Bounds:          e.bounds,
		NUsed:           nUsed,
		BandwidthFactor: factor,
		XCoords:         meshX,
		YCoords:         meshY,
		Density:         density,
	}, nil
}
