// Package tilearray provides read-only access to externally produced TileDB
// sparse point arrays (dimensions x/y in micrometers, attributes label and
// confidence). It exists so annotation sets written by other pipelines can be
// imported without a CSV detour.
//
// TileDB support is optional: build with "-tags tiledb" to enable it,
// otherwise all read methods return ErrUnsupported.
package tilearray

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupported indicates this binary was built without TileDB support.
	ErrUnsupported = errors.New("tiledb support is not enabled in this build (build server with: go build -tags tiledb)")
)

// Points holds annotation points read from a tile array as parallel slices.
type Points struct {
	X          []float64
	Y          []float64
	Label      []string
	Confidence []float32
}

// Len returns the number of points.
func (p *Points) Len() int {
	return len(p.X)
}

// ResolveArrayURI normalizes a tile array location. Local paths are expanded
// and cleaned; URIs with a scheme (s3://, tiledb://) pass through untouched
// and are validated on open.
func ResolveArrayURI(arrayPath string) (string, error) {
	p := strings.TrimSpace(arrayPath)
	if p == "" {
		return "", errors.New("empty array path")
	}
	if strings.Contains(p, "://") {
		return p, nil
	}
	p = os.ExpandEnv(p)
	return filepath.Clean(p), nil
}

func isLocal(uri string) bool {
	return !strings.Contains(uri, "://")
}
