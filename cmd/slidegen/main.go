// Package main generates synthetic slide annotation datasets and loads
// them into SQLite or a columnar snapshot directory. It can also import
// previously written snapshots and externally produced TileDB arrays.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/spatialpath/server/internal/data/snapshot"
	"github.com/spatialpath/server/internal/data/tilearray"
	"github.com/spatialpath/server/internal/store/slidestore"
	"github.com/spatialpath/server/internal/synth"
)

func main() {
	var (
		dbPath    = flag.String("db", "./data/slides.db", "SQLite database to load into")
		snapDir   = flag.String("snapshot", "", "Write a columnar snapshot directory instead of SQLite")
		slideID   = flag.String("slide", "", "Slide ID (default synthetic-1)")
		slideName = flag.String("name", "", "Slide name (default derived from the slide ID)")
		points    = flag.Int("points", 100000, "Annotations per slide")
		clusters  = flag.Int("clusters", 30, "Number of spatial clusters")
		seed      = flag.Uint64("seed", 42, "Generator seed")
		width     = flag.Float64("width", 100000, "Slide width in micrometers")
		height    = flag.Float64("height", 80000, "Slide height in micrometers")
		batchSize = flag.Int("batch", 10000, "Insert batch size")
		nSlides   = flag.Int("slides", 1, "Number of slides for a multi-slide dataset")
		arrayPath = flag.String("import-tilearray", "", "Import points from a TileDB array instead of generating")
		snapIn    = flag.String("import-snapshot", "", "Import points from a snapshot directory instead of generating")
	)
	flag.Parse()

	if *points <= 0 {
		log.Fatalf("-points must be positive, got %d", *points)
	}
	if *nSlides < 1 {
		log.Fatalf("-slides must be at least 1, got %d", *nSlides)
	}

	cfg := synth.Config{
		Width:       *width,
		Height:      *height,
		NumClusters: *clusters,
		Seed:        *seed,
	}

	id := *slideID
	if id == "" {
		id = "synthetic-1"
	}
	name := *slideName
	if name == "" {
		name = "Synthetic slide " + id
	}

	switch {
	case *arrayPath != "":
		importTileArray(*dbPath, *arrayPath, id, name, *batchSize)
	case *snapIn != "":
		importSnapshot(*dbPath, *snapIn, *slideID, *slideName, *batchSize)
	case *snapDir != "":
		if *nSlides != 1 {
			log.Fatalf("-slides is not supported with -snapshot")
		}
		writeSnapshot(*snapDir, cfg, id, name, *points, *batchSize)
	case *nSlides > 1:
		loadMultiSlide(*dbPath, *nSlides, *seed, *points, *batchSize)
	default:
		loadSlide(*dbPath, cfg, id, name, *points, *batchSize)
	}
}

// loadSlide generates one slide and bulk-loads it into SQLite.
func loadSlide(dbPath string, cfg synth.Config, slideID, name string, points, batchSize int) {
	store := openStore(dbPath)
	defer store.Close()

	createSlide(store, &slidestore.Slide{
		ID:       slideID,
		Name:     name,
		WidthUm:  cfg.Width,
		HeightUm: cfg.Height,
		Stain:    "H&E",
		Metadata: map[string]string{"source": "slidegen", "seed": fmt.Sprint(cfg.Seed)},
	})

	inserted, elapsed := streamIntoStore(store, synth.New(cfg), slideID, points, batchSize)
	printSummary(slideID, inserted, elapsed)
	fmt.Printf("loaded into %s\n", dbPath)
}

// loadMultiSlide generates a varied multi-slide dataset.
func loadMultiSlide(dbPath string, n int, seed uint64, points, batchSize int) {
	store := openStore(dbPath)
	defer store.Close()

	var total int
	start := time.Now()
	for i, spec := range synth.MultiSlide(n, seed) {
		slide := spec.Slide
		slide.ID = fmt.Sprintf("synthetic-%d", i+1)
		slide.Name = fmt.Sprintf("Synthetic slide %d (%s, %s)", i+1, slide.Organ, slide.Stain)
		slide.Metadata = map[string]string{"source": "slidegen", "seed": fmt.Sprint(spec.Config.Seed)}
		createSlide(store, &slide)

		inserted, elapsed := streamIntoStore(store, synth.New(spec.Config), slide.ID, points, batchSize)
		printSummary(slide.ID, inserted, elapsed)
		total += inserted
	}
	fmt.Printf("total: %d annotations across %d slides in %.1fs, loaded into %s\n",
		total, n, time.Since(start).Seconds(), dbPath)
}

// writeSnapshot streams generated points into a columnar snapshot directory.
func writeSnapshot(dir string, cfg synth.Config, slideID, name string, points, batchSize int) {
	w, err := snapshot.NewWriter(dir, snapshot.Metadata{
		SlideID:   slideID,
		SlideName: name,
		WidthUm:   cfg.Width,
		HeightUm:  cfg.Height,
		CreatedAt: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		log.Fatalf("Failed to create snapshot writer: %v", err)
	}

	start := time.Now()
	if err := synth.New(cfg).Stream(points, batchSize, w.AppendBatch); err != nil {
		log.Fatalf("Failed to write snapshot: %v", err)
	}
	if err := w.Close(); err != nil {
		log.Fatalf("Failed to finalize snapshot: %v", err)
	}

	printSummary(slideID, points, time.Since(start))
	fmt.Printf("snapshot written to %s\n", dir)
}

// importTileArray loads points from an externally produced TileDB array.
func importTileArray(dbPath, arrayPath, slideID, name string, batchSize int) {
	reader, err := tilearray.NewReader(arrayPath)
	if err != nil {
		log.Fatalf("Failed to open tile array: %v", err)
	}
	defer reader.Close()

	pts, err := reader.ReadAll()
	if err != nil {
		log.Fatalf("Failed to read tile array: %v", err)
	}
	if pts.Len() == 0 {
		log.Fatalf("Tile array %s contains no points", reader.ArrayURI())
	}

	anns := make([]*slidestore.Annotation, pts.Len())
	var maxX, maxY float64
	for i := range anns {
		anns[i] = &slidestore.Annotation{
			X:          pts.X[i],
			Y:          pts.Y[i],
			Label:      pts.Label[i],
			Confidence: float64(pts.Confidence[i]),
			ClusterID:  -1,
		}
		if pts.X[i] > maxX {
			maxX = pts.X[i]
		}
		if pts.Y[i] > maxY {
			maxY = pts.Y[i]
		}
	}

	store := openStore(dbPath)
	defer store.Close()

	createSlide(store, &slidestore.Slide{
		ID:       slideID,
		Name:     name,
		WidthUm:  maxX,
		HeightUm: maxY,
		Metadata: map[string]string{"source": "tilearray", "array_uri": reader.ArrayURI()},
	})

	start := time.Now()
	stats, err := store.InsertAnnotations(slideID, anns, batchSize)
	if err != nil {
		log.Fatalf("Failed to insert annotations: %v", err)
	}
	printSummary(slideID, stats.Inserted, time.Since(start))
	fmt.Printf("imported from %s into %s\n", reader.ArrayURI(), dbPath)
}

// importSnapshot loads a previously written columnar snapshot into SQLite.
// Slide identity comes from the snapshot metadata unless -slide/-name are set.
func importSnapshot(dbPath, dir, slideID, name string, batchSize int) {
	r, err := snapshot.NewReader(dir)
	if err != nil {
		log.Fatalf("Failed to open snapshot: %v", err)
	}
	defer r.Close()

	cols, err := r.ReadAll()
	if err != nil {
		log.Fatalf("Failed to read snapshot: %v", err)
	}
	if cols.Len() == 0 {
		log.Fatalf("Snapshot %s contains no points", dir)
	}
	labels := r.Labels(cols)

	meta := r.Metadata()
	if slideID == "" {
		slideID = meta.SlideID
	}
	if slideID == "" {
		slideID = "snapshot-1"
	}
	if name == "" {
		name = meta.SlideName
	}
	if name == "" {
		name = "Snapshot slide " + slideID
	}

	anns := make([]*slidestore.Annotation, cols.Len())
	for i := range anns {
		anns[i] = &slidestore.Annotation{
			X:          cols.X[i],
			Y:          cols.Y[i],
			Label:      labels[i],
			Confidence: float64(cols.Confidence[i]),
			ClusterID:  int(cols.ClusterID[i]),
		}
	}

	store := openStore(dbPath)
	defer store.Close()

	createSlide(store, &slidestore.Slide{
		ID:       slideID,
		Name:     name,
		WidthUm:  meta.WidthUm,
		HeightUm: meta.HeightUm,
		Metadata: map[string]string{"source": "snapshot", "snapshot_dir": dir},
	})

	start := time.Now()
	stats, err := store.InsertAnnotations(slideID, anns, batchSize)
	if err != nil {
		log.Fatalf("Failed to insert annotations: %v", err)
	}
	printSummary(slideID, stats.Inserted, time.Since(start))
	fmt.Printf("imported from %s into %s\n", dir, dbPath)
}

func openStore(dbPath string) *slidestore.Store {
	store, err := slidestore.NewStore(dbPath)
	if err != nil {
		log.Fatalf("Failed to open slide store: %v", err)
	}
	return store
}

func createSlide(store *slidestore.Store, slide *slidestore.Slide) {
	existing, err := store.GetSlide(slide.ID)
	if err != nil {
		log.Fatalf("Failed to check slide %s: %v", slide.ID, err)
	}
	if existing != nil {
		log.Fatalf("Slide %s already exists; pick another -slide or database", slide.ID)
	}
	slide.CreatedAt = time.Now()
	if err := store.CreateSlide(slide); err != nil {
		log.Fatalf("Failed to create slide %s: %v", slide.ID, err)
	}
}

func streamIntoStore(store *slidestore.Store, gen *synth.Generator, slideID string, points, batchSize int) (int, time.Duration) {
	var inserted int
	start := time.Now()
	err := gen.Stream(points, batchSize, func(batch []*slidestore.Annotation) error {
		stats, err := store.InsertAnnotations(slideID, batch, batchSize)
		if err != nil {
			return err
		}
		inserted += stats.Inserted
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to load slide %s: %v", slideID, err)
	}
	return inserted, time.Since(start)
}

func printSummary(slideID string, points int, elapsed time.Duration) {
	rate := float64(points) / elapsed.Seconds()
	fmt.Printf("%s: %d points in %.2fs (%.0f rows/sec)\n", slideID, points, elapsed.Seconds(), rate)
}
