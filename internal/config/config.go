// Package config handles configuration loading for the spatial analysis
// server.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Render   RenderConfig   `yaml:"render"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StoreConfig contains database locations and load tuning.
type StoreConfig struct {
	SlideDBPath     string `yaml:"slide_db_path"`
	JobDBPath       string `yaml:"job_db_path"`
	InsertBatchSize int    `yaml:"insert_batch_size"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	HeatmapSizeMB     int `yaml:"heatmap_size_mb"`
	HeatmapTTLMinutes int `yaml:"heatmap_ttl_minutes"`
	ObjectEntries     int `yaml:"object_entries"`
}

// JobsConfig tunes the analysis job manager.
type JobsConfig struct {
	Workers                int `yaml:"workers"`
	QueueSize              int `yaml:"queue_size"`
	RetentionDays          int `yaml:"retention_days"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
	MaxPointsPerJob        int `yaml:"max_points_per_job"`
}

// AnalysisConfig carries default parameters for analysis operations; job
// submissions may override each one.
type AnalysisConfig struct {
	HotspotCellSize      float64 `yaml:"hotspot_cell_size"`
	HotspotMinDensity    float64 `yaml:"hotspot_min_density"`
	ColocalizationRadius float64 `yaml:"colocalization_radius"`
	RipleyRadiusMin      float64 `yaml:"ripley_radius_min"`
	RipleyRadiusMax      float64 `yaml:"ripley_radius_max"`
	RipleyRadiusCount    int     `yaml:"ripley_radius_count"`
	DensityCellSize      float64 `yaml:"density_cell_size"`
	SmoothingSigma       float64 `yaml:"smoothing_sigma"`
	ContourLevels        int     `yaml:"contour_levels"`
	ContourSigma         float64 `yaml:"contour_sigma"`
	KDEResolution        int     `yaml:"kde_resolution"`
	ProbeRadius          float64 `yaml:"probe_radius"`
}

// RenderConfig contains heatmap rendering settings.
type RenderConfig struct {
	CellPixels      int    `yaml:"cell_pixels"`
	DefaultColormap string `yaml:"default_colormap"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Store: StoreConfig{
			SlideDBPath:     "./data/slides.db",
			JobDBPath:       "./data/jobs.db",
			InsertBatchSize: 10000,
		},
		Cache: CacheConfig{
			HeatmapSizeMB:     256,
			HeatmapTTLMinutes: 10,
			ObjectEntries:     64,
		},
		Jobs: JobsConfig{
			Workers:                2,
			QueueSize:              100,
			RetentionDays:          7,
			CleanupIntervalMinutes: 60,
			MaxPointsPerJob:        1000000,
		},
		Analysis: AnalysisConfig{
			HotspotCellSize:      500,
			HotspotMinDensity:    5,
			ColocalizationRadius: 100,
			RipleyRadiusMin:      10,
			RipleyRadiusMax:      500,
			RipleyRadiusCount:    20,
			DensityCellSize:      512,
			SmoothingSigma:       2,
			ContourLevels:        5,
			ContourSigma:         3,
			KDEResolution:        256,
			ProbeRadius:          100,
		},
		Render: RenderConfig{
			CellPixels:      2,
			DefaultColormap: "viridis",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Store.SlideDBPath == "" {
		cfg.Store.SlideDBPath = defaults.Store.SlideDBPath
	}
	if cfg.Store.JobDBPath == "" {
		cfg.Store.JobDBPath = defaults.Store.JobDBPath
	}
	if cfg.Store.InsertBatchSize == 0 {
		cfg.Store.InsertBatchSize = defaults.Store.InsertBatchSize
	}
	if cfg.Cache.HeatmapSizeMB == 0 {
		cfg.Cache.HeatmapSizeMB = defaults.Cache.HeatmapSizeMB
	}
	if cfg.Cache.HeatmapTTLMinutes == 0 {
		cfg.Cache.HeatmapTTLMinutes = defaults.Cache.HeatmapTTLMinutes
	}
	if cfg.Cache.ObjectEntries == 0 {
		cfg.Cache.ObjectEntries = defaults.Cache.ObjectEntries
	}
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = defaults.Jobs.Workers
	}
	if cfg.Jobs.QueueSize == 0 {
		cfg.Jobs.QueueSize = defaults.Jobs.QueueSize
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Jobs.CleanupIntervalMinutes == 0 {
		cfg.Jobs.CleanupIntervalMinutes = defaults.Jobs.CleanupIntervalMinutes
	}
	if cfg.Jobs.MaxPointsPerJob == 0 {
		cfg.Jobs.MaxPointsPerJob = defaults.Jobs.MaxPointsPerJob
	}
	applyAnalysisDefaults(&cfg.Analysis, &defaults.Analysis)
	if cfg.Render.CellPixels == 0 {
		cfg.Render.CellPixels = defaults.Render.CellPixels
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
}

func applyAnalysisDefaults(a, d *AnalysisConfig) {
	if a.HotspotCellSize == 0 {
		a.HotspotCellSize = d.HotspotCellSize
	}
	if a.HotspotMinDensity == 0 {
		a.HotspotMinDensity = d.HotspotMinDensity
	}
	if a.ColocalizationRadius == 0 {
		a.ColocalizationRadius = d.ColocalizationRadius
	}
	if a.RipleyRadiusMin == 0 {
		a.RipleyRadiusMin = d.RipleyRadiusMin
	}
	if a.RipleyRadiusMax == 0 {
		a.RipleyRadiusMax = d.RipleyRadiusMax
	}
	if a.RipleyRadiusCount == 0 {
		a.RipleyRadiusCount = d.RipleyRadiusCount
	}
	if a.DensityCellSize == 0 {
		a.DensityCellSize = d.DensityCellSize
	}
	if a.SmoothingSigma == 0 {
		a.SmoothingSigma = d.SmoothingSigma
	}
	if a.ContourLevels == 0 {
		a.ContourLevels = d.ContourLevels
	}
	if a.ContourSigma == 0 {
		a.ContourSigma = d.ContourSigma
	}
	if a.KDEResolution == 0 {
		a.KDEResolution = d.KDEResolution
	}
	if a.ProbeRadius == 0 {
		a.ProbeRadius = d.ProbeRadius
	}
}
