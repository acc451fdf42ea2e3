package slidestore

import (
	"math"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "slides.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeSlide(id, name string, createdAt time.Time) *Slide {
	return &Slide{
		ID:              id,
		Name:            name,
		WidthUm:         100000,
		HeightUm:        80000,
		MicronsPerPixel: 0.25,
		Stain:           "H&E",
		Organ:           "lung",
		Metadata:        map[string]string{"scanner": "aperio"},
		CreatedAt:       createdAt,
	}
}

// testAnnotations is a small fixed set with a known extent and label mix.
func testAnnotations() []*Annotation {
	return []*Annotation{
		{X: 0, Y: 0, Label: "tumor", Confidence: 0.9, ClusterID: 0},
		{X: 5, Y: 5, Label: "tumor", Confidence: 0.8, ClusterID: 0},
		{X: 10, Y: 10, Label: "stroma", Confidence: 0.7, ClusterID: 1},
		{X: 20, Y: 20, Label: "stroma", Confidence: 0.6, ClusterID: 1},
		{X: 5, Y: 15, Label: "immune", Confidence: 1.0, ClusterID: -1},
	}
}

func TestStore_SlideLifecycle(t *testing.T) {
	s := newTestStore(t)
	created := time.Now().UTC().Truncate(time.Second)

	t.Run("createAndGet", func(t *testing.T) {
		if err := s.CreateSlide(makeSlide("slide-1", "sample A", created)); err != nil {
			t.Fatalf("CreateSlide: %v", err)
		}

		got, err := s.GetSlide("slide-1")
		if err != nil {
			t.Fatalf("GetSlide: %v", err)
		}
		if got == nil {
			t.Fatal("expected slide, got nil")
		}
		if got.Name != "sample A" || got.WidthUm != 100000 || got.HeightUm != 80000 {
			t.Errorf("unexpected slide fields: %+v", got)
		}
		if got.MicronsPerPixel != 0.25 || got.Stain != "H&E" || got.Organ != "lung" {
			t.Errorf("unexpected slide fields: %+v", got)
		}
		if got.Metadata["scanner"] != "aperio" {
			t.Errorf("metadata not round-tripped: %v", got.Metadata)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("expected created_at %v, got %v", created, got.CreatedAt)
		}
		if got.NAnnotations != 0 {
			t.Errorf("expected 0 annotations, got %d", got.NAnnotations)
		}
	})

	t.Run("missingSlideIsNil", func(t *testing.T) {
		got, err := s.GetSlide("no-such-slide")
		if err != nil {
			t.Fatalf("GetSlide: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil for missing slide, got %+v", got)
		}
	})

	t.Run("deleteRemovesAnnotations", func(t *testing.T) {
		if _, err := s.InsertAnnotations("slide-1", testAnnotations(), 0); err != nil {
			t.Fatalf("InsertAnnotations: %v", err)
		}
		if err := s.DeleteSlide("slide-1"); err != nil {
			t.Fatalf("DeleteSlide: %v", err)
		}

		got, _ := s.GetSlide("slide-1")
		if got != nil {
			t.Error("expected slide deleted")
		}
		n, err := s.CountAnnotations()
		if err != nil {
			t.Fatalf("CountAnnotations: %v", err)
		}
		if n != 0 {
			t.Errorf("expected annotations deleted with slide, got %d", n)
		}
	})
}

func TestStore_ReopenExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slides.db")

	s1, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s1.CreateSlide(makeSlide("slide-1", "persisted", time.Now().UTC())); err != nil {
		t.Fatalf("CreateSlide: %v", err)
	}
	s1.Close()

	// Reopening must tolerate already-applied migrations.
	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetSlide("slide-1")
	if err != nil {
		t.Fatalf("GetSlide: %v", err)
	}
	if got == nil || got.Name != "persisted" {
		t.Errorf("expected slide to survive reopen, got %+v", got)
	}
}

func TestStore_ListSlides(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	if err := s.CreateSlide(makeSlide("s-a", "gamma", base)); err != nil {
		t.Fatalf("CreateSlide: %v", err)
	}
	if err := s.CreateSlide(makeSlide("s-b", "alpha", base.Add(time.Minute))); err != nil {
		t.Fatalf("CreateSlide: %v", err)
	}
	if err := s.CreateSlide(makeSlide("s-c", "beta", base.Add(2*time.Minute))); err != nil {
		t.Fatalf("CreateSlide: %v", err)
	}
	if _, err := s.InsertAnnotations("s-b", testAnnotations(), 0); err != nil {
		t.Fatalf("InsertAnnotations: %v", err)
	}

	ids := func(slides []*Slide) []string {
		out := make([]string, len(slides))
		for i, sl := range slides {
			out[i] = sl.ID
		}
		return out
	}

	t.Run("defaultNewestFirst", func(t *testing.T) {
		slides, total, err := s.ListSlides("", 10, 0)
		if err != nil {
			t.Fatalf("ListSlides: %v", err)
		}
		if total != 3 || len(slides) != 3 {
			t.Fatalf("expected 3 slides, got %d (total %d)", len(slides), total)
		}
		got := ids(slides)
		if got[0] != "s-c" || got[1] != "s-b" || got[2] != "s-a" {
			t.Errorf("unexpected order: %v", got)
		}
	})

	t.Run("orderByName", func(t *testing.T) {
		slides, _, err := s.ListSlides("name", 10, 0)
		if err != nil {
			t.Fatalf("ListSlides: %v", err)
		}
		got := ids(slides)
		if got[0] != "s-b" || got[1] != "s-c" || got[2] != "s-a" {
			t.Errorf("expected alphabetical order, got %v", got)
		}
	})

	t.Run("orderByAnnotationCount", func(t *testing.T) {
		slides, _, err := s.ListSlides("n_annotations", 10, 0)
		if err != nil {
			t.Fatalf("ListSlides: %v", err)
		}
		if slides[0].ID != "s-b" {
			t.Errorf("expected annotated slide first, got %v", ids(slides))
		}
		if slides[0].NAnnotations != 5 {
			t.Errorf("expected 5 annotations on s-b, got %d", slides[0].NAnnotations)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		slides, total, err := s.ListSlides("", 1, 1)
		if err != nil {
			t.Fatalf("ListSlides: %v", err)
		}
		if total != 3 {
			t.Errorf("expected total 3, got %d", total)
		}
		if len(slides) != 1 || slides[0].ID != "s-b" {
			t.Errorf("expected page [s-b], got %v", ids(slides))
		}
	})
}

func TestStore_InsertAnnotations(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSlide(makeSlide("slide-1", "batch test", time.Now().UTC())); err != nil {
		t.Fatalf("CreateSlide: %v", err)
	}

	t.Run("multipleBatches", func(t *testing.T) {
		anns := make([]*Annotation, 25)
		for i := range anns {
			anns[i] = &Annotation{X: float64(i), Y: float64(i), Label: "tumor", Confidence: 1, ClusterID: -1}
		}

		// Batch size 10 forces three transactions.
		stats, err := s.InsertAnnotations("slide-1", anns, 10)
		if err != nil {
			t.Fatalf("InsertAnnotations: %v", err)
		}
		if stats.Inserted != 25 {
			t.Errorf("expected 25 inserted, got %d", stats.Inserted)
		}
		if stats.RowsPerSec <= 0 {
			t.Errorf("expected positive rows/sec, got %f", stats.RowsPerSec)
		}

		slide, _ := s.GetSlide("slide-1")
		if slide.NAnnotations != 25 {
			t.Errorf("expected 25 annotations on slide, got %d", slide.NAnnotations)
		}
	})

	t.Run("emptyLoad", func(t *testing.T) {
		stats, err := s.InsertAnnotations("slide-1", nil, 0)
		if err != nil {
			t.Fatalf("InsertAnnotations: %v", err)
		}
		if stats.Inserted != 0 {
			t.Errorf("expected 0 inserted, got %d", stats.Inserted)
		}
	})
}

func TestStore_SlideSummary(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSlide(makeSlide("slide-1", "summary test", time.Now().UTC())); err != nil {
		t.Fatalf("CreateSlide: %v", err)
	}

	t.Run("emptySlide", func(t *testing.T) {
		summary, err := s.SlideSummary("slide-1")
		if err != nil {
			t.Fatalf("SlideSummary: %v", err)
		}
		if summary.TotalCount != 0 {
			t.Errorf("expected 0 annotations, got %d", summary.TotalCount)
		}
		if summary.Extent != nil {
			t.Errorf("expected nil extent for empty slide, got %+v", summary.Extent)
		}
		if len(summary.LabelCounts) != 0 {
			t.Errorf("expected no label counts, got %v", summary.LabelCounts)
		}
	})

	t.Run("knownValues", func(t *testing.T) {
		if _, err := s.InsertAnnotations("slide-1", testAnnotations(), 0); err != nil {
			t.Fatalf("InsertAnnotations: %v", err)
		}

		summary, err := s.SlideSummary("slide-1")
		if err != nil {
			t.Fatalf("SlideSummary: %v", err)
		}
		if summary.TotalCount != 5 {
			t.Errorf("expected 5 annotations, got %d", summary.TotalCount)
		}
		if summary.LabelCounts["tumor"] != 2 || summary.LabelCounts["stroma"] != 2 || summary.LabelCounts["immune"] != 1 {
			t.Errorf("unexpected label counts: %v", summary.LabelCounts)
		}
		if math.Abs(summary.MeanConfidence-0.8) > 1e-9 {
			t.Errorf("expected mean confidence 0.8, got %f", summary.MeanConfidence)
		}
		if summary.Extent == nil {
			t.Fatal("expected extent")
		}
		if summary.Extent.MinX != 0 || summary.Extent.MinY != 0 || summary.Extent.MaxX != 20 || summary.Extent.MaxY != 20 {
			t.Errorf("unexpected extent: %+v", summary.Extent)
		}
	})
}

func TestStore_QueryBBox(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSlide(makeSlide("slide-1", "bbox test", time.Now().UTC())); err != nil {
		t.Fatalf("CreateSlide: %v", err)
	}
	if _, err := s.InsertAnnotations("slide-1", testAnnotations(), 0); err != nil {
		t.Fatalf("InsertAnnotations: %v", err)
	}

	box := BBoxQuery{SlideID: "slide-1", MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}

	t.Run("inclusiveEdges", func(t *testing.T) {
		anns, total, err := s.QueryBBox(box)
		if err != nil {
			t.Fatalf("QueryBBox: %v", err)
		}
		// (10,10) sits exactly on the max corner and must be included;
		// (5,15) is inside in x but outside in y.
		if total != 3 || len(anns) != 3 {
			t.Fatalf("expected 3 matches, got %d (total %d)", len(anns), total)
		}
		if anns[0].X != 0 || anns[1].X != 5 || anns[2].X != 10 {
			t.Errorf("expected insertion order, got %+v", anns)
		}
	})

	t.Run("labelFilter", func(t *testing.T) {
		q := box
		q.Label = "tumor"
		anns, total, err := s.QueryBBox(q)
		if err != nil {
			t.Fatalf("QueryBBox: %v", err)
		}
		if total != 2 || len(anns) != 2 {
			t.Fatalf("expected 2 tumor matches, got %d (total %d)", len(anns), total)
		}
		for _, a := range anns {
			if a.Label != "tumor" {
				t.Errorf("expected only tumor annotations, got %q", a.Label)
			}
		}
	})

	t.Run("pagination", func(t *testing.T) {
		q := box
		q.Limit = 2
		q.Offset = 2
		anns, total, err := s.QueryBBox(q)
		if err != nil {
			t.Fatalf("QueryBBox: %v", err)
		}
		if total != 3 {
			t.Errorf("expected total 3, got %d", total)
		}
		if len(anns) != 1 || anns[0].X != 10 {
			t.Errorf("expected final page [(10,10)], got %+v", anns)
		}
	})

	t.Run("count", func(t *testing.T) {
		n, err := s.CountInBBox(box)
		if err != nil {
			t.Fatalf("CountInBBox: %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3, got %d", n)
		}
	})
}

func TestStore_PointsForAnalysis(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateSlide(makeSlide("slide-1", "analysis test", time.Now().UTC())); err != nil {
		t.Fatalf("CreateSlide: %v", err)
	}
	if _, err := s.InsertAnnotations("slide-1", testAnnotations(), 0); err != nil {
		t.Fatalf("InsertAnnotations: %v", err)
	}

	t.Run("allPoints", func(t *testing.T) {
		xs, ys, labels, err := s.PointsForAnalysis("slide-1", "", 0)
		if err != nil {
			t.Fatalf("PointsForAnalysis: %v", err)
		}
		if len(xs) != 5 || len(ys) != 5 || len(labels) != 5 {
			t.Fatalf("expected 5 parallel entries, got %d/%d/%d", len(xs), len(ys), len(labels))
		}
		if xs[0] != 0 || ys[0] != 0 || labels[0] != "tumor" {
			t.Errorf("expected insertion order, got first (%f,%f,%s)", xs[0], ys[0], labels[0])
		}
		if xs[4] != 5 || ys[4] != 15 || labels[4] != "immune" {
			t.Errorf("expected insertion order, got last (%f,%f,%s)", xs[4], ys[4], labels[4])
		}
	})

	t.Run("labelFilter", func(t *testing.T) {
		xs, _, labels, err := s.PointsForAnalysis("slide-1", "stroma", 0)
		if err != nil {
			t.Fatalf("PointsForAnalysis: %v", err)
		}
		if len(xs) != 2 {
			t.Fatalf("expected 2 stroma points, got %d", len(xs))
		}
		for _, l := range labels {
			if l != "stroma" {
				t.Errorf("expected only stroma, got %q", l)
			}
		}
	})

	t.Run("capped", func(t *testing.T) {
		xs, _, _, err := s.PointsForAnalysis("slide-1", "", 3)
		if err != nil {
			t.Fatalf("PointsForAnalysis: %v", err)
		}
		if len(xs) != 3 {
			t.Errorf("expected cap of 3 points, got %d", len(xs))
		}
	})

	t.Run("unknownSlideIsEmpty", func(t *testing.T) {
		xs, ys, labels, err := s.PointsForAnalysis("nope", "", 0)
		if err != nil {
			t.Fatalf("PointsForAnalysis: %v", err)
		}
		if len(xs) != 0 || len(ys) != 0 || len(labels) != 0 {
			t.Errorf("expected empty result, got %d points", len(xs))
		}
	})
}
