// Package snapshot reads and writes columnar slide snapshots: a directory
// with a metadata.json plus one chunked, zstd-compressed file tree per
// annotation column. Snapshots let generated datasets move between machines
// without a SQLite load, and decode far faster than row stores for
// whole-slide analysis input.
//
// Layout:
//
//	<dir>/metadata.json
//	<dir>/x/c/<chunk>           little-endian float64
//	<dir>/y/c/<chunk>           little-endian float64
//	<dir>/label/c/<chunk>       uint16 indices into metadata labels
//	<dir>/confidence/c/<chunk>  little-endian float32
//	<dir>/cluster/c/<chunk>     little-endian int32
package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/spatialpath/server/internal/store/slidestore"
)

// FormatVersion identifies the on-disk layout.
const FormatVersion = "1"

// DefaultChunkSize is the number of points per compressed chunk.
const DefaultChunkSize = 262144

const maxLabels = 1 << 16

var columnNames = []string{"x", "y", "label", "confidence", "cluster"}

// Metadata describes a snapshot directory.
type Metadata struct {
	FormatVersion string   `json:"format_version"`
	SlideID       string   `json:"slide_id"`
	SlideName     string   `json:"slide_name,omitempty"`
	WidthUm       float64  `json:"width_um"`
	HeightUm      float64  `json:"height_um"`
	NPoints       int      `json:"n_points"`
	ChunkSize     int      `json:"chunk_size"`
	Labels        []string `json:"labels"`
	CreatedAt     string   `json:"created_at,omitempty"`
}

// Columns holds decoded annotation columns as parallel slices.
type Columns struct {
	X          []float64
	Y          []float64
	LabelIdx   []uint16
	Confidence []float32
	ClusterID  []int32
}

// Len returns the number of points.
func (c *Columns) Len() int {
	return len(c.X)
}

// Writer writes a columnar snapshot incrementally, flushing one compressed
// chunk per column whenever ChunkSize points have accumulated.
type Writer struct {
	dir      string
	meta     Metadata
	enc      *zstd.Encoder
	labelIdx map[string]uint16
	buf      Columns
	chunk    int
	n        int
	closed   bool
}

// NewWriter creates the snapshot directory tree and returns a writer. The
// metadata's NPoints, Labels and ChunkSize fields are managed by the writer.
func NewWriter(dir string, meta Metadata) (*Writer, error) {
	if meta.ChunkSize <= 0 {
		meta.ChunkSize = DefaultChunkSize
	}
	meta.FormatVersion = FormatVersion

	for _, col := range columnNames {
		if err := os.MkdirAll(filepath.Join(dir, col, "c"), 0755); err != nil {
			return nil, fmt.Errorf("failed to create column directory: %w", err)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	return &Writer{
		dir:      dir,
		meta:     meta,
		enc:      enc,
		labelIdx: make(map[string]uint16),
	}, nil
}

// Append adds one point to the snapshot.
func (w *Writer) Append(x, y float64, label string, confidence float32, clusterID int32) error {
	if w.closed {
		return fmt.Errorf("snapshot writer is closed")
	}

	idx, ok := w.labelIdx[label]
	if !ok {
		if len(w.meta.Labels) >= maxLabels {
			return fmt.Errorf("label dictionary full (%d labels)", maxLabels)
		}
		idx = uint16(len(w.meta.Labels))
		w.labelIdx[label] = idx
		w.meta.Labels = append(w.meta.Labels, label)
	}

	w.buf.X = append(w.buf.X, x)
	w.buf.Y = append(w.buf.Y, y)
	w.buf.LabelIdx = append(w.buf.LabelIdx, idx)
	w.buf.Confidence = append(w.buf.Confidence, confidence)
	w.buf.ClusterID = append(w.buf.ClusterID, clusterID)
	w.n++

	if w.buf.Len() >= w.meta.ChunkSize {
		return w.flush()
	}
	return nil
}

// AppendBatch adds a batch of annotations to the snapshot.
func (w *Writer) AppendBatch(anns []*slidestore.Annotation) error {
	for _, a := range anns {
		if err := w.Append(a.X, a.Y, a.Label, float32(a.Confidence), int32(a.ClusterID)); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) flush() error {
	n := w.buf.Len()
	if n == 0 {
		return nil
	}

	cols := map[string][]byte{
		"x":          encodeFloat64s(w.buf.X),
		"y":          encodeFloat64s(w.buf.Y),
		"label":      encodeUint16s(w.buf.LabelIdx),
		"confidence": encodeFloat32s(w.buf.Confidence),
		"cluster":    encodeInt32s(w.buf.ClusterID),
	}

	for _, col := range columnNames {
		compressed := w.enc.EncodeAll(cols[col], nil)
		path := filepath.Join(w.dir, col, "c", strconv.Itoa(w.chunk))
		if err := os.WriteFile(path, compressed, 0644); err != nil {
			return fmt.Errorf("failed to write chunk %d of %s: %w", w.chunk, col, err)
		}
	}

	w.chunk++
	w.buf = Columns{}
	return nil
}

// Close flushes the final partial chunk and writes metadata.json. The writer
// cannot be used afterwards.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flush(); err != nil {
		return err
	}
	w.enc.Close()

	w.meta.NPoints = w.n
	if w.meta.Labels == nil {
		w.meta.Labels = []string{}
	}

	data, err := json.MarshalIndent(&w.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.dir, "metadata.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata.json: %w", err)
	}
	return nil
}

// Reader provides access to a snapshot directory.
type Reader struct {
	dir     string
	meta    *Metadata
	decoder *zstd.Decoder
}

// NewReader opens a snapshot directory and loads its metadata.
func NewReader(dir string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		dir:     dir,
		decoder: decoder,
	}

	if err := r.loadMetadata(); err != nil {
		r.decoder.Close()
		return nil, err
	}
	return r, nil
}

// Metadata returns the snapshot metadata.
func (r *Reader) Metadata() *Metadata {
	return r.meta
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.dir, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	if meta.FormatVersion != FormatVersion {
		return fmt.Errorf("unsupported snapshot format version: %q", meta.FormatVersion)
	}
	if meta.NPoints < 0 || (meta.NPoints > 0 && meta.ChunkSize <= 0) {
		return fmt.Errorf("invalid snapshot metadata: n_points=%d chunk_size=%d", meta.NPoints, meta.ChunkSize)
	}

	r.meta = &meta
	return nil
}

func (r *Reader) readChunk(col string, chunk, wantBytes int) ([]byte, error) {
	path := filepath.Join(r.dir, col, "c", strconv.Itoa(chunk))
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d of %s: %w", chunk, col, err)
	}

	data, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed for chunk %d of %s: %w", chunk, col, err)
	}
	if len(data) != wantBytes {
		return nil, fmt.Errorf("chunk %d of %s has wrong size: got %d bytes, expected %d", chunk, col, len(data), wantBytes)
	}
	return data, nil
}

// ReadAll decodes every column of the snapshot.
func (r *Reader) ReadAll() (*Columns, error) {
	n := r.meta.NPoints
	cols := &Columns{
		X:          make([]float64, 0, n),
		Y:          make([]float64, 0, n),
		LabelIdx:   make([]uint16, 0, n),
		Confidence: make([]float32, 0, n),
		ClusterID:  make([]int32, 0, n),
	}
	if n == 0 {
		return cols, nil
	}

	nChunks := (n + r.meta.ChunkSize - 1) / r.meta.ChunkSize
	for chunk := 0; chunk < nChunks; chunk++ {
		chunkLen := r.meta.ChunkSize
		if remaining := n - chunk*r.meta.ChunkSize; remaining < chunkLen {
			chunkLen = remaining
		}

		data, err := r.readChunk("x", chunk, chunkLen*8)
		if err != nil {
			return nil, err
		}
		cols.X = appendFloat64s(cols.X, data)

		data, err = r.readChunk("y", chunk, chunkLen*8)
		if err != nil {
			return nil, err
		}
		cols.Y = appendFloat64s(cols.Y, data)

		data, err = r.readChunk("label", chunk, chunkLen*2)
		if err != nil {
			return nil, err
		}
		cols.LabelIdx = appendUint16s(cols.LabelIdx, data)

		data, err = r.readChunk("confidence", chunk, chunkLen*4)
		if err != nil {
			return nil, err
		}
		cols.Confidence = appendFloat32s(cols.Confidence, data)

		data, err = r.readChunk("cluster", chunk, chunkLen*4)
		if err != nil {
			return nil, err
		}
		cols.ClusterID = appendInt32s(cols.ClusterID, data)
	}

	for _, idx := range cols.LabelIdx {
		if int(idx) >= len(r.meta.Labels) {
			return nil, fmt.Errorf("label index %d outside dictionary of %d", idx, len(r.meta.Labels))
		}
	}

	return cols, nil
}

// Labels expands the label index column into label strings.
func (r *Reader) Labels(cols *Columns) []string {
	out := make([]string, len(cols.LabelIdx))
	for i, idx := range cols.LabelIdx {
		out[i] = r.meta.Labels[idx]
	}
	return out
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func encodeFloat64s(vals []float64) []byte {
	out := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func encodeFloat32s(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func encodeUint16s(vals []uint16) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func encodeInt32s(vals []int32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

func appendFloat64s(dst []float64, data []byte) []float64 {
	for off := 0; off+8 <= len(data); off += 8 {
		dst = append(dst, math.Float64frombits(binary.LittleEndian.Uint64(data[off:])))
	}
	return dst
}

func appendFloat32s(dst []float32, data []byte) []float32 {
	for off := 0; off+4 <= len(data); off += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
	}
	return dst
}

func appendUint16s(dst []uint16, data []byte) []uint16 {
	for off := 0; off+2 <= len(data); off += 2 {
		dst = append(dst, binary.LittleEndian.Uint16(data[off:]))
	}
	return dst
}

func appendInt32s(dst []int32, data []byte) []int32 {
	for off := 0; off+4 <= len(data); off += 4 {
		dst = append(dst, int32(binary.LittleEndian.Uint32(data[off:])))
	}
	return dst
}
