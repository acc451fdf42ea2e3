// Package api provides HTTP handlers for the spatial analysis server.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spatialpath/server/internal/cache"
	"github.com/spatialpath/server/internal/charts"
	"github.com/spatialpath/server/internal/config"
	"github.com/spatialpath/server/internal/engine"
	"github.com/spatialpath/server/internal/render"
	"github.com/spatialpath/server/internal/service"
	"github.com/spatialpath/server/internal/store/jobstore"
	"github.com/spatialpath/server/internal/store/slidestore"
)

const (
	maxBulkBodyBytes = 64 << 20 // request body cap for bulk loads
	maxListLimit     = 500
	maxBBoxLimit     = 10000
	maxKNN           = 1000
	maxKDEResolution = 2048
	maxContourLevels = 20
	maxRipleyRadii   = 100
)

// RouterConfig contains the dependencies for the HTTP API.
type RouterConfig struct {
	Slides      *slidestore.Store
	JobManager  *JobManager
	Analysis    *service.AnalysisService
	Cache       *cache.Manager
	Renderer    *render.HeatmapRenderer
	Cfg         *config.Config
	Version     string
	LogRequests bool
}

// NewRouter creates the chi router with all API routes.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.LogRequests {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	// CORS
	origins := cfg.Cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	start := time.Now()

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler(cfg, start))
		r.Get("/stats", statsHandler(cfg, start))

		r.Post("/slides", createSlideHandler(cfg))
		r.Get("/slides", listSlidesHandler(cfg))
		r.Get("/slides/{slideID}", getSlideHandler(cfg))
		r.Delete("/slides/{slideID}", deleteSlideHandler(cfg))
		r.Get("/slides/{slideID}/statistics", slideStatisticsHandler(cfg))
		r.Post("/slides/{slideID}/annotations:bulk", bulkLoadHandler(cfg))
		r.Get("/slides/{slideID}/heatmap.png", heatmapHandler(cfg))

		r.Post("/spatial/bbox", bboxHandler(cfg))
		r.Post("/spatial/count", bboxCountHandler(cfg))
		r.Post("/spatial/knn", knnHandler(cfg))
		r.Post("/spatial/probe", probeHandler(cfg))

		r.Post("/jobs", submitJobHandler(cfg))
		r.Get("/jobs", listJobsHandler(cfg))
		r.Get("/jobs/counts", jobCountsHandler(cfg))
		r.Get("/jobs/{jobID}", getJobHandler(cfg))
		r.Delete("/jobs/{jobID}", cancelJobHandler(cfg))
		r.Get("/jobs/{jobID}/results", jobResultsHandler(cfg))
		r.Get("/jobs/{jobID}/plot.png", jobPlotHandler(cfg))
	})

	return r
}

// healthHandler handles GET /api/v1/health.
func healthHandler(cfg RouterConfig, start time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nSlides, err := cfg.Slides.CountSlides()
		if err != nil {
			log.Printf("[API] health: count slides: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "ok",
			"version":        cfg.Version,
			"uptime_seconds": int(time.Since(start).Seconds()),
			"slides":         nSlides,
		})
	}
}

// statsHandler handles GET /api/v1/stats.
func statsHandler(cfg RouterConfig, start time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nSlides, _ := cfg.Slides.CountSlides()
		nAnns, _ := cfg.Slides.CountAnnotations()
		jobCounts, err := cfg.JobManager.Store().CountsByStatus()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to count jobs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"version":        cfg.Version,
			"uptime_seconds": int(time.Since(start).Seconds()),
			"slides":         nSlides,
			"annotations":    nAnns,
			"jobs":           jobCounts,
			"cache":          cfg.Cache.Stats(),
		})
	}
}

type createSlideRequest struct {
	SlideID         string            `json:"slide_id,omitempty"`
	Name            string            `json:"name"`
	WidthUm         float64           `json:"width_um,omitempty"`
	HeightUm        float64           `json:"height_um,omitempty"`
	MicronsPerPixel float64           `json:"microns_per_pixel,omitempty"`
	Stain           string            `json:"stain,omitempty"`
	Organ           string            `json:"organ,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// createSlideHandler handles POST /api/v1/slides.
func createSlideHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSlideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}

		id := req.SlideID
		if id == "" {
			id = generateSlideID()
		} else {
			existing, err := cfg.Slides.GetSlide(id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to check slide: %v", err)
				return
			}
			if existing != nil {
				writeError(w, http.StatusConflict, "slide already exists: %s", id)
				return
			}
		}

		slide := &slidestore.Slide{
			ID:              id,
			Name:            req.Name,
			WidthUm:         req.WidthUm,
			HeightUm:        req.HeightUm,
			MicronsPerPixel: req.MicronsPerPixel,
			Stain:           req.Stain,
			Organ:           req.Organ,
			Metadata:        req.Metadata,
			CreatedAt:       time.Now(),
		}
		if err := cfg.Slides.CreateSlide(slide); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create slide: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, slide)
	}
}

// listSlidesHandler handles GET /api/v1/slides.
func listSlidesHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderBy := r.URL.Query().Get("order_by")
		limit := queryInt(r, "limit", 50)
		if limit > maxListLimit {
			limit = maxListLimit
		}
		offset := queryInt(r, "offset", 0)

		slides, total, err := cfg.Slides.ListSlides(orderBy, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list slides: %v", err)
			return
		}
		if slides == nil {
			slides = []*slidestore.Slide{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"slides": slides,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// getSlideHandler handles GET /api/v1/slides/{slideID}.
func getSlideHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slideID := chi.URLParam(r, "slideID")
		slide, err := cfg.Slides.GetSlide(slideID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get slide: %v", err)
			return
		}
		if slide == nil {
			writeError(w, http.StatusNotFound, "slide not found: %s", slideID)
			return
		}
		writeJSON(w, http.StatusOK, slide)
	}
}

// deleteSlideHandler handles DELETE /api/v1/slides/{slideID}. Cached
// engines and rendered images for the slide are invalidated so later
// queries cannot serve deleted points.
func deleteSlideHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slideID := chi.URLParam(r, "slideID")
		slide, err := cfg.Slides.GetSlide(slideID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get slide: %v", err)
			return
		}
		if slide == nil {
			writeError(w, http.StatusNotFound, "slide not found: %s", slideID)
			return
		}
		if err := cfg.Slides.DeleteSlide(slideID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete slide: %v", err)
			return
		}
		cfg.Cache.InvalidateSlide(slideID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"slide_id": slideID,
			"deleted":  true,
		})
	}
}

// slideStatisticsHandler handles GET /api/v1/slides/{slideID}/statistics.
// The aggregate runs in SQL so it stays cheap even for slides too large
// to load into a query engine.
func slideStatisticsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slideID := chi.URLParam(r, "slideID")
		slide, err := cfg.Slides.GetSlide(slideID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get slide: %v", err)
			return
		}
		if slide == nil {
			writeError(w, http.StatusNotFound, "slide not found: %s", slideID)
			return
		}
		summary, err := cfg.Slides.SlideSummary(slideID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to summarize slide: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

type bulkLoadRequest struct {
	Annotations []*slidestore.Annotation `json:"annotations"`
}

// bulkLoadHandler handles POST /api/v1/slides/{slideID}/annotations:bulk.
func bulkLoadHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slideID := chi.URLParam(r, "slideID")
		slide, err := cfg.Slides.GetSlide(slideID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get slide: %v", err)
			return
		}
		if slide == nil {
			writeError(w, http.StatusNotFound, "slide not found: %s", slideID)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBulkBodyBytes)
		var req bulkLoadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if len(req.Annotations) == 0 {
			writeError(w, http.StatusBadRequest, "annotations is required")
			return
		}
		for i, a := range req.Annotations {
			if a == nil {
				writeError(w, http.StatusUnprocessableEntity, "annotation %d is null", i)
				return
			}
			if !finite(a.X) || !finite(a.Y) {
				writeError(w, http.StatusUnprocessableEntity, "annotation %d has non-finite coordinates", i)
				return
			}
		}

		stats, err := cfg.Slides.InsertAnnotations(slideID, req.Annotations, cfg.Cfg.Store.InsertBatchSize)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to insert annotations: %v", err)
			return
		}
		cfg.Cache.InvalidateSlide(slideID)
		writeJSON(w, http.StatusOK, stats)
	}
}

type bboxRequest struct {
	SlideID string  `json:"slide_id"`
	MinX    float64 `json:"min_x"`
	MinY    float64 `json:"min_y"`
	MaxX    float64 `json:"max_x"`
	MaxY    float64 `json:"max_y"`
	Label   string  `json:"label,omitempty"`
	Limit   int     `json:"limit,omitempty"`
	Offset  int     `json:"offset,omitempty"`
}

func (b *bboxRequest) validate() error {
	if b.SlideID == "" {
		return fmt.Errorf("slide_id is required")
	}
	if !finite(b.MinX) || !finite(b.MinY) || !finite(b.MaxX) || !finite(b.MaxY) {
		return fmt.Errorf("bounding box coordinates must be finite")
	}
	if b.MinX >= b.MaxX || b.MinY >= b.MaxY {
		return fmt.Errorf("bounding box must have min_x < max_x and min_y < max_y")
	}
	return nil
}

// bboxHandler handles POST /api/v1/spatial/bbox.
func bboxHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bboxRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if err := req.validate(); err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		if req.Limit <= 0 {
			req.Limit = 1000
		}
		if req.Limit > maxBBoxLimit {
			req.Limit = maxBBoxLimit
		}

		slide, err := cfg.Slides.GetSlide(req.SlideID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get slide: %v", err)
			return
		}
		if slide == nil {
			writeError(w, http.StatusNotFound, "slide not found: %s", req.SlideID)
			return
		}

		anns, total, err := cfg.Slides.QueryBBox(slidestore.BBoxQuery{
			SlideID: req.SlideID,
			MinX:    req.MinX,
			MinY:    req.MinY,
			MaxX:    req.MaxX,
			MaxY:    req.MaxY,
			Label:   req.Label,
			Limit:   req.Limit,
			Offset:  req.Offset,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "bbox query failed: %v", err)
			return
		}
		if anns == nil {
			anns = []*slidestore.Annotation{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"annotations": anns,
			"total":       total,
			"limit":       req.Limit,
			"offset":      req.Offset,
		})
	}
}

// bboxCountHandler handles POST /api/v1/spatial/count.
func bboxCountHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bboxRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if err := req.validate(); err != nil {
			writeError(w, http.StatusBadRequest, "%v", err)
			return
		}
		count, err := cfg.Slides.CountInBBox(slidestore.BBoxQuery{
			SlideID: req.SlideID,
			MinX:    req.MinX,
			MinY:    req.MinY,
			MaxX:    req.MaxX,
			MaxY:    req.MaxY,
			Label:   req.Label,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "count query failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"count": count})
	}
}

type knnRequest struct {
	SlideID string  `json:"slide_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	K       int     `json:"k,omitempty"`
	Label   string  `json:"label,omitempty"`
}

type knnNeighbor struct {
	Index    int32   `json:"index"`
	Distance float64 `json:"distance"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Label    string  `json:"label,omitempty"`
}

// knnHandler handles POST /api/v1/spatial/knn. Queries run against the
// cached per-slide engine, so the first request for a slide pays the
// index build and later ones do not.
func knnHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req knnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.SlideID == "" {
			writeError(w, http.StatusBadRequest, "slide_id is required")
			return
		}
		if req.K == 0 {
			req.K = 1
		}
		if req.K > maxKNN {
			req.K = maxKNN
		}

		eng, err := cfg.Analysis.EngineForSlide(req.SlideID, req.Label)
		if err != nil {
			writeError(w, engineErrStatus(err), "%v", err)
			return
		}
		neighbors, err := eng.NearestK(engine.Point{X: req.X, Y: req.Y}, req.K)
		if err != nil {
			writeError(w, engineErrStatus(err), "%v", err)
			return
		}

		out := make([]knnNeighbor, len(neighbors))
		for i, n := range neighbors {
			p := eng.PointAt(int(n.Index))
			out[i] = knnNeighbor{
				Index:    n.Index,
				Distance: n.Dist,
				X:        p.X,
				Y:        p.Y,
				Label:    eng.LabelAt(int(n.Index)),
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"query":     map[string]float64{"x": req.X, "y": req.Y},
			"k":         req.K,
			"neighbors": out,
		})
	}
}

type probeRequest struct {
	SlideID string  `json:"slide_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Radius  float64 `json:"radius,omitempty"`
	Label   string  `json:"label,omitempty"`
}

// probeHandler handles POST /api/v1/spatial/probe. Density is reported
// in points per square millimeter, with coordinates in microns.
func probeHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req probeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.SlideID == "" {
			writeError(w, http.StatusBadRequest, "slide_id is required")
			return
		}
		if req.Radius == 0 {
			req.Radius = cfg.Cfg.Analysis.ProbeRadius
		}

		eng, err := cfg.Analysis.EngineForSlide(req.SlideID, req.Label)
		if err != nil {
			writeError(w, engineErrStatus(err), "%v", err)
			return
		}
		q := engine.Point{X: req.X, Y: req.Y}
		density, err := eng.PointDensityAt(q, req.Radius)
		if err != nil {
			writeError(w, engineErrStatus(err), "%v", err)
			return
		}
		neighbors, err := eng.WithinRadius(q, req.Radius)
		if err != nil {
			writeError(w, engineErrStatus(err), "%v", err)
			return
		}

		resp := map[string]interface{}{
			"x":       req.X,
			"y":       req.Y,
			"radius":  req.Radius,
			"count":   len(neighbors),
			"density": density,
		}
		if eng.Labeled() {
			labelCounts := make(map[string]int)
			for _, n := range neighbors {
				labelCounts[eng.LabelAt(int(n.Index))]++
			}
			resp["label_counts"] = labelCounts
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// heatmapHandler handles GET /api/v1/slides/{slideID}/heatmap.png.
//
// Query parameters: op (smoothed|kde|labels), cell_size, sigma, levels,
// contours, resolution, seed, label, colormap, scale. Rendered images
// are cached keyed on the full parameter set.
func heatmapHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slideID := chi.URLParam(r, "slideID")
		q := r.URL.Query()

		op := q.Get("op")
		if op == "" {
			op = "smoothed"
		}
		if op != "smoothed" && op != "kde" && op != "labels" {
			writeError(w, http.StatusBadRequest, "invalid op %q: must be smoothed, kde, or labels", op)
			return
		}

		cellSize := queryFloat(r, "cell_size", cfg.Cfg.Analysis.DensityCellSize)
		levels := queryInt(r, "levels", cfg.Cfg.Analysis.ContourLevels)
		if levels > maxContourLevels {
			levels = maxContourLevels
		}
		contours := queryBool(r, "contours")

		// Contour extraction smooths more heavily than the plain surface.
		sigmaDefault := cfg.Cfg.Analysis.SmoothingSigma
		if contours {
			sigmaDefault = cfg.Cfg.Analysis.ContourSigma
		}
		sigma := queryFloat(r, "sigma", sigmaDefault)
		resolution := queryInt(r, "resolution", cfg.Cfg.Analysis.KDEResolution)
		if resolution > maxKDEResolution {
			resolution = maxKDEResolution
		}
		seed := int64(queryInt(r, "seed", 42))
		label := q.Get("label")
		colormapName := q.Get("colormap")
		scale := queryInt(r, "scale", 0)

		key := cache.HeatmapKey(slideID, op, map[string]interface{}{
			"cell_size":  cellSize,
			"sigma":      sigma,
			"levels":     levels,
			"contours":   contours,
			"resolution": resolution,
			"seed":       seed,
			"label":      label,
			"colormap":   colormapName,
			"scale":      scale,
		})
		if png, ok := cfg.Cache.GetRender(key); ok {
			servePNG(w, png)
			return
		}

		eng, err := cfg.Analysis.EngineForSlide(slideID, label)
		if err != nil {
			writeError(w, engineErrStatus(err), "%v", err)
			return
		}

		opts := render.Options{Colormap: colormapName, Scale: scale}
		var png []byte
		switch op {
		case "smoothed":
			if contours {
				res, cerr := eng.ContourLevels(cellSize, levels, sigma)
				if cerr != nil {
					writeError(w, engineErrStatus(cerr), "%v", cerr)
					return
				}
				opts.Levels = res.Levels
				png, err = cfg.Renderer.RenderHeatmap(res.Smoothed, opts)
			} else {
				res, serr := eng.SmoothedDensity(cellSize, sigma)
				if serr != nil {
					writeError(w, engineErrStatus(serr), "%v", serr)
					return
				}
				png, err = cfg.Renderer.RenderHeatmap(res.Smoothed, opts)
			}
		case "kde":
			res, kerr := eng.KernelDensity(resolution, seed)
			if kerr != nil {
				writeError(w, engineErrStatus(kerr), "%v", kerr)
				return
			}
			png, err = cfg.Renderer.RenderHeatmap(res.Density, opts)
		case "labels":
			res, gerr := eng.DensityGrid(cellSize)
			if gerr != nil {
				writeError(w, engineErrStatus(gerr), "%v", gerr)
				return
			}
			if len(res.ByLabel) == 0 {
				writeError(w, http.StatusUnprocessableEntity, "slide has no labels to map")
				return
			}
			labels := make([]string, 0, len(res.ByLabel))
			for l := range res.ByLabel {
				labels = append(labels, l)
			}
			sort.Strings(labels)
			png, err = cfg.Renderer.RenderLabelMap(res.ByLabel, labels, opts)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "render failed: %v", err)
			return
		}

		if err := cfg.Cache.SetRender(key, png); err != nil {
			log.Printf("[API] failed to cache heatmap: %v", err)
		}
		servePNG(w, png)
	}
}

type submitJobRequest struct {
	JobType string             `json:"job_type"`
	Params  jobstore.JobParams `json:"params"`
}

// submitJobHandler handles POST /api/v1/jobs.
func submitJobHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		switch req.JobType {
		case jobstore.JobTypeSpatialStatistics, jobstore.JobTypeDensityEstimation, jobstore.JobTypeSyntheticGeneration:
		default:
			writeError(w, http.StatusBadRequest,
				"invalid job_type %q: must be %s, %s, or %s", req.JobType,
				jobstore.JobTypeSpatialStatistics, jobstore.JobTypeDensityEstimation, jobstore.JobTypeSyntheticGeneration)
			return
		}
		if req.Params.SlideID == "" {
			writeError(w, http.StatusBadRequest, "params.slide_id is required")
			return
		}
		if len(req.Params.RipleyRadii) > maxRipleyRadii {
			writeError(w, http.StatusBadRequest, "too many ripley radii: %d (max %d)", len(req.Params.RipleyRadii), maxRipleyRadii)
			return
		}
		if req.Params.KDEResolution > maxKDEResolution {
			req.Params.KDEResolution = maxKDEResolution
		}
		if req.Params.ContourLevels > maxContourLevels {
			req.Params.ContourLevels = maxContourLevels
		}
		if req.Params.NumPoints > cfg.Cfg.Jobs.MaxPointsPerJob {
			req.Params.NumPoints = cfg.Cfg.Jobs.MaxPointsPerJob
		}

		// Analysis jobs need stored points; generation creates the slide
		// on first use.
		if req.JobType != jobstore.JobTypeSyntheticGeneration {
			slide, err := cfg.Slides.GetSlide(req.Params.SlideID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to get slide: %v", err)
				return
			}
			if slide == nil {
				writeError(w, http.StatusNotFound, "slide not found: %s", req.Params.SlideID)
				return
			}
		}

		job, err := cfg.JobManager.Submit(req.JobType, req.Params)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to submit job: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// listJobsHandler handles GET /api/v1/jobs.
func listJobsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slideID := r.URL.Query().Get("slide_id")
		status := r.URL.Query().Get("status")
		switch jobstore.JobStatus(status) {
		case "", jobstore.JobStatusQueued, jobstore.JobStatusRunning, jobstore.JobStatusCompleted, jobstore.JobStatusFailed, jobstore.JobStatusCancelled:
		default:
			writeError(w, http.StatusBadRequest, "invalid status %q", status)
			return
		}
		limit := queryInt(r, "limit", 50)
		if limit > maxListLimit {
			limit = maxListLimit
		}
		offset := queryInt(r, "offset", 0)

		jobs, total, err := cfg.JobManager.Store().ListJobs(slideID, jobstore.JobStatus(status), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list jobs: %v", err)
			return
		}
		if jobs == nil {
			jobs = []*jobstore.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs":   jobs,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// jobCountsHandler handles GET /api/v1/jobs/counts.
func jobCountsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := cfg.JobManager.Store().CountsByStatus()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to count jobs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

// getJobHandler handles GET /api/v1/jobs/{jobID}.
func getJobHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		job := cfg.JobManager.Get(jobID)
		if job == nil {
			writeError(w, http.StatusNotFound, "job not found: %s", jobID)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// cancelJobHandler handles DELETE /api/v1/jobs/{jobID}. Queued and
// running jobs are cancelled; finished jobs are deleted along with
// their results.
func cancelJobHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		job := cfg.JobManager.Get(jobID)
		if job == nil {
			writeError(w, http.StatusNotFound, "job not found: %s", jobID)
			return
		}
		if cfg.JobManager.Cancel(jobID) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":    jobID,
				"cancelled": true,
				"deleted":   false,
			})
			return
		}
		if err := cfg.JobManager.Delete(jobID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": false,
			"deleted":   true,
		})
	}
}

// jobResultsHandler handles GET /api/v1/jobs/{jobID}/results. Results
// for jobs that have not finished are an empty list, not an error, so
// clients can poll a single endpoint.
func jobResultsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		job := cfg.JobManager.Get(jobID)
		if job == nil {
			writeError(w, http.StatusNotFound, "job not found: %s", jobID)
			return
		}
		results, err := cfg.JobManager.Store().ResultsForJob(jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load results: %v", err)
			return
		}
		if results == nil {
			results = []*jobstore.OperationResult{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":   job.ID,
			"status":   job.Status,
			"error":    job.Error,
			"n_points": job.NPoints,
			"results":  results,
		})
	}
}

// jobPlotHandler handles GET /api/v1/jobs/{jobID}/plot.png.
//
// Supported kinds: ripley_k, l_function, nn_histogram. Plots are
// rendered from stored operation results, so the job must have
// completed.
func jobPlotHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		kind := r.URL.Query().Get("kind")
		if kind == "" {
			kind = "ripley_k"
		}
		if kind != "ripley_k" && kind != "l_function" && kind != "nn_histogram" {
			writeError(w, http.StatusBadRequest, "invalid kind %q: must be ripley_k, l_function, or nn_histogram", kind)
			return
		}

		job := cfg.JobManager.Get(jobID)
		if job == nil {
			writeError(w, http.StatusNotFound, "job not found: %s", jobID)
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			writeError(w, http.StatusBadRequest, "job not completed (status: %s)", job.Status)
			return
		}

		key := cache.ChartKey(jobID, kind)
		if png, ok := cfg.Cache.GetRender(key); ok {
			servePNG(w, png)
			return
		}

		var png []byte
		switch kind {
		case "ripley_k", "l_function":
			res := new(engine.RipleyResult)
			if err := loadResult(cfg, jobID, service.OpRipleysK, res); err != nil {
				writeError(w, http.StatusNotFound, "%v", err)
				return
			}
			var rerr error
			if kind == "ripley_k" {
				png, rerr = charts.RipleyCurve(res)
			} else {
				png, rerr = charts.LFunction(res)
			}
			if rerr != nil {
				writeError(w, http.StatusInternalServerError, "chart render failed: %v", rerr)
				return
			}
		case "nn_histogram":
			res := new(engine.NearestNeighborResult)
			if err := loadResult(cfg, jobID, service.OpNearestNeighbor, res); err != nil {
				writeError(w, http.StatusNotFound, "%v", err)
				return
			}
			var rerr error
			png, rerr = charts.NNHistogram(res)
			if rerr != nil {
				writeError(w, http.StatusInternalServerError, "chart render failed: %v", rerr)
				return
			}
		}

		if err := cfg.Cache.SetRender(key, png); err != nil {
			log.Printf("[API] failed to cache plot: %v", err)
		}
		servePNG(w, png)
	}
}

// loadResult loads a stored operation row and unmarshals its payload
// into out.
func loadResult(cfg RouterConfig, jobID, operation string, out interface{}) error {
	row, err := cfg.JobManager.Store().GetResult(jobID, operation)
	if err != nil {
		return fmt.Errorf("failed to load %s result: %v", operation, err)
	}
	if row == nil {
		return fmt.Errorf("no %s result for job %s", operation, jobID)
	}
	if row.Status != service.StatusOK {
		return fmt.Errorf("%s did not succeed for job %s (status: %s)", operation, jobID, row.Status)
	}
	if err := json.Unmarshal(row.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %v", operation, err)
	}
	return nil
}

func servePNG(w http.ResponseWriter, png []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.Write(png)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// engineErrStatus maps engine and lookup failures onto HTTP status
// codes. Validation sentinels are client errors on an otherwise
// well-formed request, so they map to 422 rather than 400.
func engineErrStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrSlideNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, engine.ErrInsufficientData),
		errors.Is(err, engine.ErrMissingLabels),
		errors.Is(err, engine.ErrNumericFailure):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string, def int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func queryFloat(r *http.Request, name string, def float64) float64 {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func queryBool(r *http.Request, name string) bool {
	s := r.URL.Query().Get(name)
	return s == "1" || s == "true"
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func generateSlideID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "slide-" + hex.EncodeToString(b)
}
