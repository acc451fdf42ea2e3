//go:build !tiledb

package tilearray

import (
	"fmt"
	"os"
)

// Reader is a stub when built without "-tags tiledb".
type Reader struct {
	arrayURI string
}

// NewReader creates a tile array reader (stub). It still resolves and
// validates the array location, so config issues can be caught early, but
// all read methods return ErrUnsupported.
func NewReader(arrayPath string) (*Reader, error) {
	uri, err := ResolveArrayURI(arrayPath)
	if err != nil {
		return nil, err
	}
	if isLocal(uri) {
		if _, statErr := os.Stat(uri); statErr != nil {
			return nil, fmt.Errorf("tile array not found at %s: %w", uri, statErr)
		}
	}
	return &Reader{arrayURI: uri}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) ArrayURI() string { return r.arrayURI }

// ReadBBox reads the points inside [minX,maxX] x [minY,maxY].
func (r *Reader) ReadBBox(minX, minY, maxX, maxY float64) (*Points, error) {
	return nil, ErrUnsupported
}

// ReadAll reads every point in the array.
func (r *Reader) ReadAll() (*Points, error) {
	return nil, ErrUnsupported
}

func (r *Reader) Close() {}
