package engine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// contourCutoff excludes near-zero background cells from contour level
// computation.
const contourCutoff = 0.01

// Contour percentile positions span this range of the above-cutoff values.
const (
	contourLowPercentile  = 20.0
	contourHighPercentile = 95.0
)

// SmoothedDensityResult extends the count grid with a Gaussian-smoothed
// surface rescaled so its maximum is 1.
type SmoothedDensityResult struct {
	DensityGridResult
	Sigma    float64     `json:"sigma"`
	Smoothed [][]float64 `json:"smoothed_grid"`
}

// ContourResult extends the smoothed surface with rendering threshold
// levels.
type ContourResult struct {
	SmoothedDensityResult
	Levels      []float64 `json:"contour_levels"`
	Percentiles []float64 `json:"percentiles"`
}

// SmoothedDensity computes the count grid at cellSize, applies a separable
// Gaussian blur (kernel radius int(4*sigma+0.5), reflected borders) and
// rescales the result to a maximum of 1. Sigma 0 leaves the counts
// untouched, and an all-zero grid stays all zeros.
//
// sigma must be finite and >= 0; otherwise ErrInvalidInput.
func (e *Engine) SmoothedDensity(cellSize, sigma float64) (*SmoothedDensityResult, error) {
	if !isFinite(sigma) || sigma < 0 {
		return nil, fmt.Errorf("%w: sigma must be finite and >= 0, got %v", ErrInvalidInput, sigma)
	}
	base, err := e.countGrid(cellSize)
	if err != nil {
		return nil, err
	}
	smoothed := gaussianBlur(base.Counts, sigma)
	if peak := gridMax(smoothed); peak > 0 {
		for _, row := range smoothed {
			for i := range row {
				row[i] /= peak
			}
		}
	}
	return &SmoothedDensityResult{
		DensityGridResult: *base,
		Sigma:             sigma,
		Smoothed:          smoothed,
	}, nil
}

// ContourLevels derives nLevels contour thresholds from the smoothed
// surface: the values above the background cutoff are summarized at
// percentile positions evenly spaced from the 20th to the 95th. When
// nothing exceeds the cutoff, Levels is empty and the smoothed result is
// still returned.
//
// nLevels must be >= 1; otherwise ErrInvalidInput.
func (e *Engine) ContourLevels(cellSize float64, nLevels int, sigma float64) (*ContourResult, error) {
	if nLevels < 1 {
		return nil, fmt.Errorf("%w: nLevels must be >= 1, got %d", ErrInvalidInput, nLevels)
	}
	sd, err := e.SmoothedDensity(cellSize, sigma)
	if err != nil {
		return nil, err
	}

	var above []float64
	for _, row := range sd.Smoothed {
		for _, v := range row {
			if v > contourCutoff {
				above = append(above, v)
			}
		}
	}
	res := &ContourResult{
		SmoothedDensityResult: *sd,
		Levels:                []float64{},
		Percentiles:           []float64{},
	}
	if len(above) == 0 {
		return res, nil
	}

	positions := contourPercentilePositions(nLevels)
	levels := make([]float64, nLevels)
	for i, p := range positions {
		levels[i] = percentile(above, p)
	}
	res.Levels = levels
	res.Percentiles = positions
	return res, nil
}

func contourPercentilePositions(n int) []float64 {
	if n == 1 {
		return []float64{contourLowPercentile}
	}
	return floats.Span(make([]float64, n), contourLowPercentile, contourHighPercentile)
}

// gaussianBlur applies a separable Gaussian of the given sigma to grid,
// reflecting at the borders, and returns a new grid. Sigma 0 copies the
// input.
func gaussianBlur(grid [][]float64, sigma float64) [][]float64 {
	ny := len(grid)
	if ny == 0 {
		return [][]float64{}
	}
	nx := len(grid[0])
	out := allocGrid(ny, nx)
	if sigma == 0 || nx == 0 {
		for y, row := range grid {
			copy(out[y], row)
		}
		return out
	}

	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2

	tmp := allocGrid(ny, nx)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			var s float64
			for o := -radius; o <= radius; o++ {
				s += kernel[o+radius] * grid[y][reflectIndex(x+o, nx)]
			}
			tmp[y][x] = s
		}
	}
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			var s float64
			for o := -radius; o <= radius; o++ {
				s += kernel[o+radius] * tmp[reflectIndex(y+o, ny)][x]
			}
			out[y][x] = s
		}
	}
	return out
}

// gaussianKernel returns normalized 1D Gaussian weights with radius
// int(4*sigma + 0.5).
func gaussianKernel(sigma float64) []float64 {
	radius := int(4*sigma + 0.5)
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-0.5 * float64(i) * float64(i) / (sigma * sigma))
		k[i+radius] = w
		sum += w
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// reflectIndex maps an out-of-range index back into [0, n) by mirroring
// across the borders, repeating the edge sample.
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
	}
	return i
}

func gridMax(grid [][]float64) float64 {
	var peak float64
	for _, row := range grid {
		for _, v := range row {
			if v > peak {
				peak = v
			}
		}
	}
	return peak
}
