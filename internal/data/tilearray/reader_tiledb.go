//go:build tiledb

package tilearray

import (
	"fmt"
	"os"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// Reader reads sparse point arrays via TileDB.
type Reader struct {
	arrayURI string
	ctx      *tiledb.Context
}

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

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		arrayURI: uri,
		ctx:      ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ArrayURI() string { return r.arrayURI }

func (r *Reader) Close() {}

// ReadAll reads every point in the array, using the non-empty domain to
// bound the query.
func (r *Reader) ReadAll() (*Points, error) {
	arr, err := tiledb.NewArray(r.ctx, r.arrayURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", r.arrayURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open array for read: %w", err)
	}

	minX, maxX, emptyX, err := nonEmptyBounds(arr, "x")
	if err != nil {
		arr.Close()
		return nil, err
	}
	minY, maxY, emptyY, err := nonEmptyBounds(arr, "y")
	if err != nil {
		arr.Close()
		return nil, err
	}
	arr.Close()

	if emptyX || emptyY {
		return &Points{}, nil
	}
	return r.ReadBBox(minX, minY, maxX, maxY)
}

// ReadBBox reads the points inside [minX,maxX] x [minY,maxY] with a chunked
// submit/drain loop, so result size is not bounded by a single buffer
// allocation.
func (r *Reader) ReadBBox(minX, minY, maxX, maxY float64) (*Points, error) {
	arr, err := tiledb.NewArray(r.ctx, r.arrayURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", r.arrayURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()

	if err := sub.AddRangeByName("x", tiledb.MakeRange[float64](minX, maxX)); err != nil {
		return nil, fmt.Errorf("failed to add x range: %w", err)
	}
	if err := sub.AddRangeByName("y", tiledb.MakeRange[float64](minY, maxY)); err != nil {
		return nil, fmt.Errorf("failed to add y range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()

	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	// For sparse reads, unordered is generally fine.
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	labelNullable, err := attributeNullable(arr, "label")
	if err != nil {
		return nil, fmt.Errorf("failed to inspect label nullable: %w", err)
	}
	confNullable, err := attributeNullable(arr, "confidence")
	if err != nil {
		return nil, fmt.Errorf("failed to inspect confidence nullable: %w", err)
	}

	// Stream in chunks to handle arrays of any size.
	const chunkPoints = 65536
	outX := make([]float64, chunkPoints)
	outY := make([]float64, chunkPoints)
	outConf := make([]float32, chunkPoints)
	offsets := make([]uint64, chunkPoints)
	labelBytes := make([]byte, 2*1024*1024) // 2MB for var-length label bytes
	var labelValid, confValid []uint8
	if labelNullable {
		labelValid = make([]uint8, chunkPoints)
	}
	if confNullable {
		confValid = make([]uint8, chunkPoints)
	}

	result := &Points{}
	for {
		// Reset buffers each submit so TileDB sees full capacities (buffer
		// sizes are in/out params).
		if _, err := q.SetDataBuffer("x", outX); err != nil {
			return nil, fmt.Errorf("failed to set buffer x: %w", err)
		}
		if _, err := q.SetDataBuffer("y", outY); err != nil {
			return nil, fmt.Errorf("failed to set buffer y: %w", err)
		}
		if _, err := q.SetOffsetsBuffer("label", offsets); err != nil {
			return nil, fmt.Errorf("failed to set offsets buffer label: %w", err)
		}
		if _, err := q.SetDataBuffer("label", labelBytes); err != nil {
			return nil, fmt.Errorf("failed to set data buffer label: %w", err)
		}
		if _, err := q.SetDataBuffer("confidence", outConf); err != nil {
			return nil, fmt.Errorf("failed to set buffer confidence: %w", err)
		}
		if labelNullable {
			if _, err := q.SetValidityBuffer("label", labelValid); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer label: %w", err)
			}
		}
		if confNullable {
			if _, err := q.SetValidityBuffer("confidence", confValid); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer confidence: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("failed to get result buffer elements: %w", err)
		}

		usedX := int(elems["x"][1])
		usedY := int(elems["y"][1])
		usedOffsets := int(elems["label"][0])
		usedBytes := int(elems["label"][1])
		usedConf := int(elems["confidence"][1])
		if usedX > len(outX) {
			usedX = len(outX)
		}
		if usedY > len(outY) {
			usedY = len(outY)
		}
		if usedOffsets > len(offsets) {
			usedOffsets = len(offsets)
		}
		if usedBytes > len(labelBytes) {
			usedBytes = len(labelBytes)
		}
		if usedConf > len(outConf) {
			usedConf = len(outConf)
		}

		// If buffers are too small to return even a single row, grow and retry.
		if status == tiledb.TILEDB_INCOMPLETE && usedX == 0 && usedOffsets == 0 && usedBytes == 0 {
			if len(labelBytes) < 64*1024*1024 {
				labelBytes = make([]byte, len(labelBytes)*2)
				continue
			}
			return nil, fmt.Errorf("query buffers too small (label); grew to %d bytes and still no progress", len(labelBytes))
		}

		data := labelBytes[:usedBytes]
		lim := usedX
		if usedY < lim {
			lim = usedY
		}
		if usedOffsets < lim {
			lim = usedOffsets
		}
		if usedConf < lim {
			lim = usedConf
		}
		for i := 0; i < lim; i++ {
			if labelNullable && i < len(labelValid) && labelValid[i] == 0 {
				continue
			}
			start := int(offsets[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(offsets[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			conf := outConf[i]
			if confNullable && i < len(confValid) && confValid[i] == 0 {
				conf = 1.0
			}
			result.X = append(result.X, outX[i])
			result.Y = append(result.Y, outY[i])
			result.Label = append(result.Label, string(data[start:end]))
			result.Confidence = append(result.Confidence, conf)
		}

		if status == tiledb.TILEDB_COMPLETED {
			return result, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected query status: %v", status)
		}
	}
}

func nonEmptyBounds(arr *tiledb.Array, dim string) (min, max float64, empty bool, err error) {
	ned, isEmpty, err := arr.NonEmptyDomainFromName(dim)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to get non-empty domain for %s: %w", dim, err)
	}
	if isEmpty || ned == nil {
		return 0, 0, true, nil
	}
	min, max, err = boundsMinMaxFloat64(ned.Bounds)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to parse %s bounds: %w", dim, err)
	}
	return min, max, false, nil
}

func boundsMinMaxFloat64(bounds interface{}) (float64, float64, error) {
	switch v := bounds.(type) {
	case []float64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []float32:
		if len(v) >= 2 {
			return float64(v[0]), float64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}
