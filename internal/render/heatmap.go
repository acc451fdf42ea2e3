// Package render rasterizes density surfaces as heatmap PNGs using fogleman/gg.
package render

import (
	"bytes"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	"github.com/spatialpath/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Scale           int    // output pixels per grid cell
	DefaultColormap string // used when a request names no colormap
}

// Options control a single render.
type Options struct {
	Colormap string    // empty uses the configured default
	Scale    int       // pixels per cell, 0 uses the configured default
	Levels   []float64 // contour overlay levels, in grid value units
}

// HeatmapRenderer renders density grids as PNG heatmaps.
type HeatmapRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewHeatmapRenderer creates a new heatmap renderer.
func NewHeatmapRenderer(cfg Config) *HeatmapRenderer {
	if cfg.Scale <= 0 {
		cfg.Scale = 4
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	return &HeatmapRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				// Placeholder size; getContext resizes on mismatch.
				return gg.NewContext(1, 1)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// RenderHeatmap rasterizes a row-major density grid (row 0 at the top,
// matching slide pixel convention) at Scale pixels per cell. Values are
// expected in [0, 1]; values outside clamp to the colormap endpoints. Any
// Levels are drawn on top as contour lines.
func (r *HeatmapRenderer) RenderHeatmap(grid [][]float64, opts Options) ([]byte, error) {
	rows, cols := gridShape(grid)
	scale := r.scaleFor(opts)

	dc := r.getContext(cols*scale, rows*scale)
	defer r.contextPool.Put(dc)

	// Clear canvas with white background
	dc.SetColor(color.White)
	dc.Clear()

	if rows == 0 || cols == 0 {
		return r.encodeContext(dc)
	}

	cmap := r.colormapFor(opts.Colormap)
	cellSize := float64(scale)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := grid[y][x]
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			dc.SetColor(cmap.At(v))
			dc.DrawRectangle(float64(x)*cellSize, float64(y)*cellSize, cellSize, cellSize)
			dc.Fill()
		}
	}

	if len(opts.Levels) > 0 {
		drawContours(dc, grid, opts.Levels, cellSize)
	}

	return r.encodeContext(dc)
}

// RenderLabelMap colors each cell by its dominant label using the
// categorical palette; cells with no points stay white. The labels slice
// fixes which palette entry each label gets, and breaks count ties in its
// own order.
func (r *HeatmapRenderer) RenderLabelMap(byLabel map[string][][]float64, labels []string, opts Options) ([]byte, error) {
	var rows, cols int
	for _, g := range byLabel {
		rows, cols = gridShape(g)
		break
	}
	scale := r.scaleFor(opts)

	dc := r.getContext(cols*scale, rows*scale)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	if rows == 0 || cols == 0 || len(labels) == 0 {
		return r.encodeContext(dc)
	}

	cellSize := float64(scale)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			best := -1
			bestCount := 0.0
			for li, label := range labels {
				g, ok := byLabel[label]
				if !ok {
					continue
				}
				if c := g[y][x]; c > bestCount {
					bestCount = c
					best = li
				}
			}
			if best < 0 {
				continue
			}
			dc.SetColor(colormap.Categorical.AtIndex(best))
			dc.DrawRectangle(float64(x)*cellSize, float64(y)*cellSize, cellSize, cellSize)
			dc.Fill()
		}
	}

	return r.encodeContext(dc)
}

func (r *HeatmapRenderer) scaleFor(opts Options) int {
	if opts.Scale > 0 {
		return opts.Scale
	}
	return r.config.Scale
}

func (r *HeatmapRenderer) colormapFor(name string) colormap.Colormap {
	if cmap, ok := colormap.ByName(name); ok {
		return cmap
	}
	if cmap, ok := colormap.ByName(r.config.DefaultColormap); ok {
		return cmap
	}
	return colormap.Viridis
}

// getContext returns a pooled drawing context, replacing it when the pooled
// one has the wrong dimensions.
func (r *HeatmapRenderer) getContext(w, h int) *gg.Context {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dc := r.contextPool.Get().(*gg.Context)
	if dc.Width() != w || dc.Height() != h {
		dc = gg.NewContext(w, h)
	}
	return dc
}

func (r *HeatmapRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func gridShape(grid [][]float64) (rows, cols int) {
	rows = len(grid)
	if rows > 0 {
		cols = len(grid[0])
	}
	return rows, cols
}

var contourLineColor = color.RGBA{0, 0, 0, 120}

// drawContours overlays marching-squares contour lines for each level.
// Squares span adjacent cell centers, so lines sit half a cell in from the
// grid edge.
func drawContours(dc *gg.Context, grid [][]float64, levels []float64, cellSize float64) {
	dc.SetColor(contourLineColor)
	dc.SetLineWidth(1.2)
	for _, level := range levels {
		for _, s := range contourSegments(grid, level, cellSize) {
			dc.DrawLine(s.x1, s.y1, s.x2, s.y2)
			dc.Stroke()
		}
	}
}

type segment struct {
	x1, y1, x2, y2 float64
}

// contourSegments runs marching squares over the grid's cell centers at one
// level and returns line segments in pixel coordinates.
func contourSegments(grid [][]float64, level float64, cellSize float64) []segment {
	rows, cols := gridShape(grid)
	if rows < 2 || cols < 2 {
		return nil
	}

	// interp returns the fractional crossing position between two corner
	// values straddling the level.
	interp := func(a, b float64) float64 {
		if b == a {
			return 0.5
		}
		t := (level - a) / (b - a)
		if t < 0 {
			t = 0
		}
		if t > 1 {
			t = 1
		}
		return t
	}

	var segs []segment
	for r := 0; r < rows-1; r++ {
		for c := 0; c < cols-1; c++ {
			tl := grid[r][c]
			tr := grid[r][c+1]
			br := grid[r+1][c+1]
			bl := grid[r+1][c]

			idx := 0
			if tl >= level {
				idx |= 1
			}
			if tr >= level {
				idx |= 2
			}
			if br >= level {
				idx |= 4
			}
			if bl >= level {
				idx |= 8
			}
			if idx == 0 || idx == 15 {
				continue
			}

			// Edge crossing points, in pixel coordinates of cell centers.
			cx := float64(c) + 0.5
			cy := float64(r) + 0.5
			top := func() (float64, float64) {
				return (cx + interp(tl, tr)) * cellSize, cy * cellSize
			}
			right := func() (float64, float64) {
				return (cx + 1) * cellSize, (cy + interp(tr, br)) * cellSize
			}
			bottom := func() (float64, float64) {
				return (cx + interp(bl, br)) * cellSize, (cy + 1) * cellSize
			}
			left := func() (float64, float64) {
				return cx * cellSize, (cy + interp(tl, bl)) * cellSize
			}

			add := func(ax, ay, bx, by float64) {
				segs = append(segs, segment{ax, ay, bx, by})
			}
			join := func(e1, e2 func() (float64, float64)) {
				x1, y1 := e1()
				x2, y2 := e2()
				add(x1, y1, x2, y2)
			}

			switch idx {
			case 1, 14:
				join(left, top)
			case 2, 13:
				join(top, right)
			case 3, 12:
				join(left, right)
			case 4, 11:
				join(right, bottom)
			case 6, 9:
				join(top, bottom)
			case 7, 8:
				join(left, bottom)
			case 5:
				// Saddle: the cell center decides whether the two high
				// corners connect.
				if (tl+tr+br+bl)/4 >= level {
					join(top, right)
					join(left, bottom)
				} else {
					join(left, top)
					join(right, bottom)
				}
			case 10:
				if (tl+tr+br+bl)/4 >= level {
					join(left, top)
					join(right, bottom)
				} else {
					join(top, right)
					join(left, bottom)
				}
			}
		}
	}
	return segs
}
