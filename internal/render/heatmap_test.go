package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to decode PNG: %v", err)
	}
	return img
}

func pixel(t *testing.T, img image.Image, x, y int) color.RGBA {
	t.Helper()
	return color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
}

func TestRenderHeatmap(t *testing.T) {
	r := NewHeatmapRenderer(Config{Scale: 8, DefaultColormap: "viridis"})

	t.Run("outputDimensions", func(t *testing.T) {
		grid := [][]float64{
			{0, 0.2, 0.4, 0.6},
			{0.1, 0.3, 0.5, 0.7},
			{0.2, 0.4, 0.6, 1.0},
		}
		data, err := r.RenderHeatmap(grid, Options{})
		if err != nil {
			t.Fatalf("RenderHeatmap failed: %v", err)
		}
		img := decodePNG(t, data)
		b := img.Bounds()
		if b.Dx() != 32 || b.Dy() != 24 {
			t.Errorf("expected 32x24 image, got %dx%d", b.Dx(), b.Dy())
		}
	})

	t.Run("colormapEndpoints", func(t *testing.T) {
		grid := [][]float64{{0, 1}}
		data, err := r.RenderHeatmap(grid, Options{Scale: 1})
		if err != nil {
			t.Fatalf("RenderHeatmap failed: %v", err)
		}
		img := decodePNG(t, data)
		if got := pixel(t, img, 0, 0); got != (color.RGBA{68, 1, 84, 255}) {
			t.Errorf("expected viridis low end at (0,0), got %#v", got)
		}
		if got := pixel(t, img, 1, 0); got != (color.RGBA{253, 231, 37, 255}) {
			t.Errorf("expected viridis high end at (1,0), got %#v", got)
		}
	})

	t.Run("valuesClamp", func(t *testing.T) {
		ref, err := r.RenderHeatmap([][]float64{{0, 1}}, Options{Scale: 1})
		if err != nil {
			t.Fatalf("RenderHeatmap failed: %v", err)
		}
		clamped, err := r.RenderHeatmap([][]float64{{-0.5, 2.0}}, Options{Scale: 1})
		if err != nil {
			t.Fatalf("RenderHeatmap failed: %v", err)
		}
		if !bytes.Equal(ref, clamped) {
			t.Error("expected out-of-range values to clamp to the endpoints")
		}
	})

	t.Run("unknownColormapFallsBack", func(t *testing.T) {
		grid := [][]float64{{0.5}}
		def, err := r.RenderHeatmap(grid, Options{Scale: 2})
		if err != nil {
			t.Fatalf("RenderHeatmap failed: %v", err)
		}
		unknown, err := r.RenderHeatmap(grid, Options{Scale: 2, Colormap: "nonsense"})
		if err != nil {
			t.Fatalf("RenderHeatmap failed: %v", err)
		}
		if !bytes.Equal(def, unknown) {
			t.Error("expected unknown colormap to render like the default")
		}
	})

	t.Run("contourOverlayChangesOutput", func(t *testing.T) {
		grid := [][]float64{
			{0, 0, 0, 0},
			{0, 1, 1, 0},
			{0, 1, 1, 0},
			{0, 0, 0, 0},
		}
		plain, err := r.RenderHeatmap(grid, Options{})
		if err != nil {
			t.Fatalf("RenderHeatmap failed: %v", err)
		}
		contoured, err := r.RenderHeatmap(grid, Options{Levels: []float64{0.5}})
		if err != nil {
			t.Fatalf("RenderHeatmap failed: %v", err)
		}
		if bytes.Equal(plain, contoured) {
			t.Error("expected contour overlay to draw visible lines")
		}
	})
}

func TestRenderLabelMap(t *testing.T) {
	r := NewHeatmapRenderer(Config{Scale: 1})

	byLabel := map[string][][]float64{
		"tumor":  {{3, 0}, {1, 0}},
		"stroma": {{1, 0}, {4, 0}},
	}
	labels := []string{"tumor", "stroma"}

	data, err := r.RenderLabelMap(byLabel, labels, Options{})
	if err != nil {
		t.Fatalf("RenderLabelMap failed: %v", err)
	}
	img := decodePNG(t, data)

	// (0,0): tumor wins 3 to 1 -> first categorical color.
	if got := pixel(t, img, 0, 0); got != (color.RGBA{31, 119, 180, 255}) {
		t.Errorf("expected tumor color at (0,0), got %#v", got)
	}
	// (0,1): stroma wins 4 to 1 -> second categorical color.
	if got := pixel(t, img, 0, 1); got != (color.RGBA{255, 127, 14, 255}) {
		t.Errorf("expected stroma color at (0,1), got %#v", got)
	}
	// (1,0): no points in either label -> background stays white.
	if got := pixel(t, img, 1, 0); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("expected white at (1,0), got %#v", got)
	}
}

func TestContourSegments(t *testing.T) {
	t.Run("singleCornerAboveLevel", func(t *testing.T) {
		grid := [][]float64{
			{1, 0},
			{0, 0},
		}
		segs := contourSegments(grid, 0.5, 10)
		if len(segs) != 1 {
			t.Fatalf("expected 1 segment, got %d", len(segs))
		}
		// The line crosses the left and top edges midway between corners.
		s := segs[0]
		if s.x1 != 5 || s.y1 != 10 || s.x2 != 10 || s.y2 != 5 {
			t.Errorf("unexpected segment: %+v", s)
		}
	})

	t.Run("flatGridHasNoContours", func(t *testing.T) {
		grid := [][]float64{
			{1, 1},
			{1, 1},
		}
		if segs := contourSegments(grid, 0.5, 10); len(segs) != 0 {
			t.Errorf("expected no segments, got %d", len(segs))
		}
	})

	t.Run("tooSmallGrid", func(t *testing.T) {
		if segs := contourSegments([][]float64{{1, 0}}, 0.5, 10); segs != nil {
			t.Errorf("expected nil for single-row grid, got %v", segs)
		}
	})
}
