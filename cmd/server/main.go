// Package main is the entry point for the spatial analysis server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spatialpath/server/internal/api"
	"github.com/spatialpath/server/internal/cache"
	"github.com/spatialpath/server/internal/config"
	"github.com/spatialpath/server/internal/render"
	"github.com/spatialpath/server/internal/service"
	"github.com/spatialpath/server/internal/store/slidestore"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	addr := flag.String("addr", "", "Listen address (overrides the configured port)")
	logRequests := flag.Bool("log-requests", true, "Log every HTTP request")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%d", cfg.Server.Port)
	}

	log.Printf("Starting spatial analysis server %s", version)

	// Slide store
	slides, err := slidestore.NewStore(cfg.Store.SlideDBPath)
	if err != nil {
		log.Fatalf("Failed to open slide store: %v", err)
	}
	nSlides, _ := slides.CountSlides()
	nAnns, _ := slides.CountAnnotations()
	log.Printf("Slide store: %s (%d slides, %d annotations)", cfg.Store.SlideDBPath, nSlides, nAnns)

	// Cache manager (rendered images + per-slide engines)
	cacheManager, err := cache.NewManager(cache.Config{
		RenderCacheSizeMB: cfg.Cache.HeatmapSizeMB,
		RenderTTL:         time.Duration(cfg.Cache.HeatmapTTLMinutes) * time.Minute,
		EngineCacheSize:   cfg.Cache.ObjectEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}

	// Heatmap renderer
	heatmapRenderer := render.NewHeatmapRenderer(render.Config{
		Scale:           cfg.Render.CellPixels,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	// Job manager with SQLite persistence; Start recovers jobs left over
	// from a previous process.
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.Workers,
		QueueSize:     cfg.Jobs.QueueSize,
		SQLitePath:    cfg.Store.JobDBPath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: time.Duration(cfg.Jobs.CleanupIntervalMinutes) * time.Minute,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Job manager: workers=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.Workers, cfg.Jobs.RetentionDays, cfg.Store.JobDBPath)

	// Wire up the analysis service as job executor
	analysisService := service.NewAnalysisService(slides, jobManager.Store(), cacheManager, cfg)
	jobManager.Executor = analysisService.ExecuteJob
	jobManager.Start()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Slides:      slides,
		JobManager:  jobManager,
		Analysis:    analysisService,
		Cache:       cacheManager,
		Renderer:    heatmapRenderer,
		Cfg:         cfg,
		Version:     version,
		LogRequests: *logRequests,
	})

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop workers before closing the stores they write to.
	jobManager.Stop()
	cacheManager.Close()
	slides.Close()

	log.Println("Server stopped")
}
