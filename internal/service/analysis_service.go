// Package service executes analysis jobs against the slide store and owns
// the slide-to-engine lookup shared by the job workers and the HTTP
// handlers.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spatialpath/server/internal/cache"
	"github.com/spatialpath/server/internal/config"
	"github.com/spatialpath/server/internal/engine"
	"github.com/spatialpath/server/internal/store/jobstore"
	"github.com/spatialpath/server/internal/store/slidestore"
	"github.com/spatialpath/server/internal/synth"
	"gonum.org/v1/gonum/floats"
)

// ErrSlideNotFound reports an analysis request for a slide that does not
// exist.
var ErrSlideNotFound = errors.New("slide not found")

// Operation names under which analysis_results rows are stored.
const (
	OpSummary         = "summary"
	OpNearestNeighbor = "nearest_neighbor"
	OpHotspots        = "hotspots"
	OpColocalization  = "colocalization"
	OpRipleysK        = "ripleys_k"
	OpDensityGrid     = "density_grid"
	OpSmoothedDensity = "smoothed_density"
	OpKDE             = "kde"
	OpGeneration      = "generation"
)

// Result row statuses: StatusOK, or the classified kind of the analysis
// error that failed the operation.
const (
	StatusOK               = "ok"
	StatusInvalidInput     = "invalid_input"
	StatusInsufficientData = "insufficient_data"
	StatusMissingLabels    = "missing_labels"
	StatusNumericFailure   = "numeric_failure"
	StatusInternal         = "internal"
)

// defaultSeed seeds KDE subsampling and synthetic generation when the job
// does not carry one.
const defaultSeed = 42

// defaultSynthPoints is the generated point count when the job does not
// carry one.
const defaultSynthPoints = 100000

// GenerationReport is the stored result payload of a synthetic_generation
// job.
type GenerationReport struct {
	SlideID     string         `json:"slide_id"`
	Requested   int            `json:"requested"`
	Inserted    int            `json:"inserted"`
	NumClusters int            `json:"num_clusters"`
	Seed        int64          `json:"seed"`
	ElapsedMS   float64        `json:"elapsed_ms"`
	RowsPerSec  float64        `json:"rows_per_sec"`
	LabelCounts map[string]int `json:"label_counts"`
}

// AnalysisService runs analysis jobs and builds query engines over stored
// slides. One instance is shared by all job-manager workers and the HTTP
// handlers.
type AnalysisService struct {
	slides *slidestore.Store
	jobs   *jobstore.Store
	cache  *cache.Manager
	cfg    *config.Config
}

// NewAnalysisService creates an analysis service.
func NewAnalysisService(slides *slidestore.Store, jobs *jobstore.Store, cacheMgr *cache.Manager, cfg *config.Config) *AnalysisService {
	return &AnalysisService{slides: slides, jobs: jobs, cache: cacheMgr, cfg: cfg}
}

// ExecuteJob runs one queued job to completion (called by a JobManager
// worker). A returned error fails the job outright; analysis errors inside
// individual operations are classified and stored as result rows instead,
// so the job completes with partial results.
func (s *AnalysisService) ExecuteJob(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	switch job.JobType {
	case jobstore.JobTypeSpatialStatistics:
		return s.runSpatialStatistics(ctx, job)
	case jobstore.JobTypeDensityEstimation:
		return s.runDensityEstimation(ctx, job)
	case jobstore.JobTypeSyntheticGeneration:
		return s.runSyntheticGeneration(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.JobType)
	}
}

// EngineForSlide returns a query engine over the slide's annotations,
// optionally restricted to one label. Built engines are cached per
// slide/label/cap combination; bulk loads and slide deletion invalidate
// them. The point count is capped at jobs.max_points_per_job.
func (s *AnalysisService) EngineForSlide(slideID, label string) (*engine.Engine, error) {
	maxPoints := s.cfg.Jobs.MaxPointsPerJob
	key := cache.EngineKey(slideID, label, maxPoints)
	if eng, ok := s.cache.GetEngine(key); ok {
		return eng, nil
	}

	slide, err := s.slides.GetSlide(slideID)
	if err != nil {
		return nil, fmt.Errorf("failed to get slide: %w", err)
	}
	if slide == nil {
		return nil, fmt.Errorf("%w: %s", ErrSlideNotFound, slideID)
	}

	xs, ys, labels, err := s.slides.PointsForAnalysis(slideID, label, maxPoints)
	if err != nil {
		return nil, fmt.Errorf("failed to load points: %w", err)
	}

	pts := make([]engine.Point, len(xs))
	for i := range xs {
		pts[i] = engine.Point{X: xs[i], Y: ys[i]}
	}

	// An empty slide still gets a usable analysis region from its declared
	// dimensions.
	opts := engine.Options{}
	if slide.WidthUm > 0 && slide.HeightUm > 0 {
		opts.FallbackBounds = &engine.Bounds{MaxX: slide.WidthUm, MaxY: slide.HeightUm}
	}

	eng, err := engine.New(pts, labels, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}
	s.cache.SetEngine(key, eng)
	return eng, nil
}

func (s *AnalysisService) runSpatialStatistics(ctx context.Context, job *jobstore.Job) error {
	p := job.Params
	a := s.cfg.Analysis

	nOps := 4
	if p.ComputeRipleysK {
		nOps = 5
	}

	eng, err := s.loadEngine(job, nOps)
	if err != nil {
		return err
	}

	hotspotCell := p.HotspotCellSize
	if hotspotCell == 0 {
		hotspotCell = a.HotspotCellSize
	}
	hotspotMin := p.HotspotMinDensity
	if hotspotMin == 0 {
		hotspotMin = a.HotspotMinDensity
	}
	colocRadius := p.ColocalizationRadius
	if colocRadius == 0 {
		colocRadius = a.ColocalizationRadius
	}
	area := eng.Bounds().Area()

	ops := []operation{
		{name: OpSummary, run: func() (interface{}, error) { return eng.SummaryStatistics(area) }},
		{name: OpNearestNeighbor, run: func() (interface{}, error) { return eng.NearestNeighborDistribution() }},
		{name: OpHotspots, run: func() (interface{}, error) { return eng.DetectHotspots(hotspotCell, hotspotMin) }},
		{name: OpColocalization, run: func() (interface{}, error) { return eng.LabelColocalization(colocRadius) }},
	}
	if p.ComputeRipleysK {
		radii := p.RipleyRadii
		if len(radii) == 0 {
			radii = defaultRipleyRadii(a)
		}
		ops = append(ops, operation{name: OpRipleysK, run: func() (interface{}, error) { return eng.RipleysK(radii, area) }})
	}

	return s.runOperations(ctx, job.ID, ops)
}

func (s *AnalysisService) runDensityEstimation(ctx context.Context, job *jobstore.Job) error {
	p := job.Params
	a := s.cfg.Analysis

	const nOps = 3
	eng, err := s.loadEngine(job, nOps)
	if err != nil {
		return err
	}

	cellSize := p.DensityCellSize
	if cellSize == 0 {
		cellSize = a.DensityCellSize
	}
	sigma := p.SmoothingSigma
	if sigma == 0 {
		sigma = a.SmoothingSigma
	}
	levels := p.ContourLevels
	if levels == 0 {
		levels = a.ContourLevels
	}
	resolution := p.KDEResolution
	if resolution == 0 {
		resolution = a.KDEResolution
	}
	seed := p.Seed
	if seed == 0 {
		seed = defaultSeed
	}

	ops := []operation{
		{name: OpDensityGrid, run: func() (interface{}, error) { return eng.DensityGrid(cellSize) }},
		{name: OpSmoothedDensity, run: func() (interface{}, error) { return eng.ContourLevels(cellSize, levels, sigma) }},
		{name: OpKDE, run: func() (interface{}, error) { return eng.KernelDensity(resolution, seed) }},
	}

	return s.runOperations(ctx, job.ID, ops)
}

func (s *AnalysisService) runSyntheticGeneration(ctx context.Context, job *jobstore.Job) error {
	p := job.Params
	if p.SlideID == "" {
		return fmt.Errorf("synthetic generation requires a slide_id")
	}

	nPoints := p.NumPoints
	if nPoints <= 0 {
		nPoints = defaultSynthPoints
	}
	seed := p.Seed
	if seed == 0 {
		seed = defaultSeed
	}

	def := synth.DefaultConfig()
	genCfg := synth.Config{
		Width:       p.SlideWidth,
		Height:      p.SlideHeight,
		NumClusters: p.NumClusters,
		Seed:        uint64(seed),
	}
	if genCfg.Width <= 0 {
		genCfg.Width = def.Width
	}
	if genCfg.Height <= 0 {
		genCfg.Height = def.Height
	}
	if genCfg.NumClusters <= 0 {
		genCfg.NumClusters = def.NumClusters
	}

	// The slide row is created on first use; an existing slide keeps its
	// declared dimensions.
	slide, err := s.slides.GetSlide(p.SlideID)
	if err != nil {
		return fmt.Errorf("failed to get slide: %w", err)
	}
	if slide == nil {
		slide = &slidestore.Slide{
			ID:              p.SlideID,
			Name:            "synthetic-" + p.SlideID,
			WidthUm:         genCfg.Width,
			HeightUm:        genCfg.Height,
			MicronsPerPixel: 0.25,
			Stain:           "H&E",
			Metadata: map[string]string{
				"source": "synthetic",
				"seed":   strconv.FormatInt(seed, 10),
			},
			CreatedAt: time.Now(),
		}
		if err := s.slides.CreateSlide(slide); err != nil {
			return fmt.Errorf("failed to create slide: %w", err)
		}
	} else {
		genCfg.Width = slide.WidthUm
		genCfg.Height = slide.HeightUm
	}

	s.jobs.UpdateJobProgress(job.ID, "generating", 0, nPoints)

	gen := synth.New(genCfg)
	batchSize := s.cfg.Store.InsertBatchSize
	labelCounts := make(map[string]int)
	inserted := 0

	start := time.Now()
	err = gen.Stream(nPoints, batchSize, func(batch []*slidestore.Annotation) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats, err := s.slides.InsertAnnotations(p.SlideID, batch, batchSize)
		if err != nil {
			return fmt.Errorf("failed to load batch: %w", err)
		}
		inserted += stats.Inserted
		for _, ann := range batch {
			labelCounts[ann.Label]++
		}
		s.jobs.UpdateJobProgress(job.ID, "loading", inserted, nPoints)
		return nil
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	s.jobs.UpdateJobPoints(job.ID, inserted)
	s.cache.InvalidateSlide(p.SlideID)

	report := &GenerationReport{
		SlideID:     p.SlideID,
		Requested:   nPoints,
		Inserted:    inserted,
		NumClusters: genCfg.NumClusters,
		Seed:        seed,
		ElapsedMS:   float64(elapsed.Microseconds()) / 1000.0,
		LabelCounts: labelCounts,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		report.RowsPerSec = float64(inserted) / secs
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := s.jobs.InsertResults(job.ID, []*jobstore.OperationResult{{
		Operation: OpGeneration,
		Status:    StatusOK,
		Result:    raw,
	}}); err != nil {
		return fmt.Errorf("failed to store results: %w", err)
	}
	return nil
}

// loadEngine builds the job's engine and records its point count on the job
// row. nOps sizes the progress total so the loading phase and the operation
// phases share one scale.
func (s *AnalysisService) loadEngine(job *jobstore.Job, nOps int) (*engine.Engine, error) {
	s.jobs.UpdateJobProgress(job.ID, "loading_points", 0, nOps)

	eng, err := s.EngineForSlide(job.Params.SlideID, job.Params.Label)
	if err != nil {
		return nil, err
	}
	s.jobs.UpdateJobPoints(job.ID, eng.Len())
	return eng, nil
}

// operation pairs a stored operation name with the closure computing its
// result payload.
type operation struct {
	name string
	run  func() (interface{}, error)
}

// runOperations executes the operations in order, classifying analysis
// errors into per-operation result rows, and stores all rows in one batch.
// Cancellation is honored between operations, never inside one.
func (s *AnalysisService) runOperations(ctx context.Context, jobID string, ops []operation) error {
	results := make([]*jobstore.OperationResult, 0, len(ops))
	for i, op := range ops {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.jobs.UpdateJobProgress(jobID, op.name, i, len(ops))
		results = append(results, runOne(op))
	}

	s.jobs.UpdateJobProgress(jobID, "storing_results", len(ops), len(ops))
	if err := s.jobs.InsertResults(jobID, results); err != nil {
		return fmt.Errorf("failed to store results: %w", err)
	}
	return nil
}

func runOne(op operation) *jobstore.OperationResult {
	payload, err := op.run()
	if err != nil {
		return &jobstore.OperationResult{
			Operation: op.name,
			Status:    statusFor(err),
			Error:     err.Error(),
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return &jobstore.OperationResult{
			Operation: op.name,
			Status:    StatusInternal,
			Error:     fmt.Sprintf("failed to marshal result: %v", err),
		}
	}
	return &jobstore.OperationResult{Operation: op.name, Status: StatusOK, Result: raw}
}

// statusFor maps engine sentinels to stored result statuses.
func statusFor(err error) string {
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		return StatusInvalidInput
	case errors.Is(err, engine.ErrInsufficientData):
		return StatusInsufficientData
	case errors.Is(err, engine.ErrMissingLabels):
		return StatusMissingLabels
	case errors.Is(err, engine.ErrNumericFailure):
		return StatusNumericFailure
	default:
		return StatusInternal
	}
}

// defaultRipleyRadii spans the configured radius range evenly.
func defaultRipleyRadii(a config.AnalysisConfig) []float64 {
	if a.RipleyRadiusCount < 2 {
		return []float64{a.RipleyRadiusMax}
	}
	radii := make([]float64, a.RipleyRadiusCount)
	floats.Span(radii, a.RipleyRadiusMin, a.RipleyRadiusMax)
	return radii
}
