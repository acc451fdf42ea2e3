package engine

import "errors"

// Sentinel errors returned by engine operations. Callers classify with
// errors.Is; messages wrapped around these carry the offending parameter.
var (
	// ErrInvalidInput marks structurally invalid parameters: non-finite
	// coordinates, non-positive radii or cell sizes, label/point length
	// mismatches, degenerate bounds.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientData marks operations whose minimum point count is
	// not met (for example nearest-neighbor statistics on fewer than two
	// points).
	ErrInsufficientData = errors.New("insufficient data")

	// ErrMissingLabels marks label-dependent operations invoked on an
	// unlabeled point set.
	ErrMissingLabels = errors.New("missing labels")

	// ErrNumericFailure marks numerical breakdown inside an otherwise
	// valid computation, such as a degenerate covariance matrix during
	// kernel density estimation.
	ErrNumericFailure = errors.New("numeric failure")
)
