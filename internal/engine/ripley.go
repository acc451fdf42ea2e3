package engine

import (
	"fmt"
	"math"
	"sort"
)

// RipleyEntry is Ripley's K at one radius alongside the variance-stabilized
// L transform and the complete-spatial-randomness expectation.
type RipleyEntry struct {
	Radius    float64 `json:"radius"`
	K         float64 `json:"k"`
	L         float64 `json:"l"`
	CSR       float64 `json:"csr"`
	Clustered bool    `json:"clustered"`
}

// RipleyResult reports K(r) across the requested radii.
//
// No edge correction is applied: points near the boundary see truncated
// neighborhoods, so K is biased downward at radii comparable to the
// distance from the boundary. Values are comparable across slides analyzed
// the same way, not against corrected estimators.
type RipleyResult struct {
	NPoints int           `json:"n_points"`
	Area    float64       `json:"area"`
	Entries []RipleyEntry `json:"entries"`
}

// RipleysK computes K(r) = area * 2*pairs(r) / (N*(N-1)) for each radius,
// where pairs(r) counts unordered point pairs at distance <= r, plus
// L(r) = sqrt(K/pi) - r and the CSR expectation pi*r^2. Clustered is set
// when K exceeds CSR; it is a relative indicator, not a significance test.
//
// Radii must be finite, positive and strictly increasing, and area must be
// positive; otherwise ErrInvalidInput. Needs at least two points;
// otherwise ErrInsufficientData.
func (e *Engine) RipleysK(radii []float64, area float64) (*RipleyResult, error) {
	if len(radii) == 0 {
		return nil, fmt.Errorf("%w: at least one radius required", ErrInvalidInput)
	}
	for i, r := range radii {
		if !isFinite(r) || r <= 0 {
			return nil, fmt.Errorf("%w: radius %d must be finite and > 0, got %v", ErrInvalidInput, i, r)
		}
		if i > 0 && r <= radii[i-1] {
			return nil, fmt.Errorf("%w: radii must be strictly increasing (%v after %v)", ErrInvalidInput, r, radii[i-1])
		}
	}
	if !isFinite(area) || area <= 0 {
		return nil, fmt.Errorf("%w: area must be finite and > 0, got %v", ErrInvalidInput, area)
	}
	n := len(e.pts)
	if n < 2 {
		return nil, fmt.Errorf("%w: Ripley's K needs >= 2 points, have %d", ErrInsufficientData, n)
	}

	// One spatial sweep at the largest radius yields every pair distance
	// needed; per-radius counts are then binary searches.
	rmax := radii[len(radii)-1]
	pairDists := e.pairDistancesWithin(rmax)

	norm := area * 2 / (float64(n) * float64(n-1))
	entries := make([]RipleyEntry, len(radii))
	for i, r := range radii {
		pairs := sort.Search(len(pairDists), func(j int) bool { return pairDists[j] > r })
		k := norm * float64(pairs)
		csr := math.Pi * r * r
		entries[i] = RipleyEntry{
			Radius:    r,
			K:         k,
			L:         math.Sqrt(k/math.Pi) - r,
			CSR:       csr,
			Clustered: k > csr,
		}
	}
	return &RipleyResult{NPoints: n, Area: area, Entries: entries}, nil
}

// pairDistancesWithin returns the sorted Euclidean distances of all
// unordered point pairs at distance <= rmax.
func (e *Engine) pairDistancesWithin(rmax float64) []float64 {
	var out []float64
	for i, p := range e.pts {
		for _, nb := range e.idx.WithinRadius(p, rmax) {
			if int(nb.Index) > i {
				out = append(out, nb.Dist)
			}
		}
	}
	sort.Float64s(out)
	return out
}
