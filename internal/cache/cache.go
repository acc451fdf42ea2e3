// Package cache provides caching for rendered images and per-slide engines.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/spatialpath/server/internal/engine"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	RenderCacheSizeMB int           // bigcache budget for rendered PNGs
	RenderTTL         time.Duration // rendered image lifetime
	EngineCacheSize   int           // number of per-slide engines kept
}

// Manager manages the render byte cache and the engine object cache.
//
// Rendered heatmaps and charts are cheap to keep as bytes and expensive to
// recompute; engines hold a built spatial index per slide and label filter,
// which dominates the latency of interactive queries.
type Manager struct {
	renderCache *bigcache.BigCache
	engineCache *lru.Cache[string, *engine.Engine]

	renderHits   atomic.Int64
	renderMisses atomic.Int64
	engineHits   atomic.Int64
	engineMisses atomic.Int64
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.RenderCacheSizeMB <= 0 {
		cfg.RenderCacheSizeMB = 64
	}
	if cfg.RenderTTL <= 0 {
		cfg.RenderTTL = 10 * time.Minute
	}
	if cfg.EngineCacheSize <= 0 {
		cfg.EngineCacheSize = 32
	}

	renderCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.RenderTTL,
		CleanWindow:        cfg.RenderTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // 512KB per rendered image
		HardMaxCacheSize:   cfg.RenderCacheSizeMB,
		Verbose:            false,
	}

	renderCache, err := bigcache.New(context.Background(), renderCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create render cache: %w", err)
	}

	engineCache, err := lru.New[string, *engine.Engine](cfg.EngineCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine cache: %w", err)
	}

	return &Manager{
		renderCache: renderCache,
		engineCache: engineCache,
	}, nil
}

// GetRender retrieves a rendered image from cache.
func (m *Manager) GetRender(key string) ([]byte, bool) {
	data, err := m.renderCache.Get(key)
	if err != nil {
		m.renderMisses.Add(1)
		return nil, false
	}
	m.renderHits.Add(1)
	return data, true
}

// SetRender stores a rendered image in cache.
func (m *Manager) SetRender(key string, data []byte) error {
	return m.renderCache.Set(key, data)
}

// GetEngine retrieves a built engine from cache.
func (m *Manager) GetEngine(key string) (*engine.Engine, bool) {
	e, ok := m.engineCache.Get(key)
	if !ok {
		m.engineMisses.Add(1)
		return nil, false
	}
	m.engineHits.Add(1)
	return e, true
}

// SetEngine stores a built engine in cache.
func (m *Manager) SetEngine(key string, e *engine.Engine) {
	m.engineCache.Add(key, e)
}

// InvalidateSlide drops every cached engine and rendered image for a slide.
// Called after bulk annotation loads and slide deletes.
func (m *Manager) InvalidateSlide(slideID string) {
	enginePrefix := "engine:" + slideID + ":"
	for _, key := range m.engineCache.Keys() {
		if strings.HasPrefix(key, enginePrefix) {
			m.engineCache.Remove(key)
		}
	}

	renderPrefix := "heatmap:" + slideID + ":"
	it := m.renderCache.Iterator()
	for it.SetNext() {
		entry, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(entry.Key(), renderPrefix) {
			_ = m.renderCache.Delete(entry.Key())
		}
	}
}

// EngineKey generates a cache key for a slide's engine. label is empty for
// the unfiltered point set.
func EngineKey(slideID, label string, maxPoints int) string {
	return fmt.Sprintf("engine:%s:%s:%d", slideID, label, maxPoints)
}

// HeatmapKey generates a cache key for a rendered heatmap. Parameters are
// hashed in sorted key order so equal parameter sets produce equal keys.
func HeatmapKey(slideID, op string, params map[string]interface{}) string {
	base := fmt.Sprintf("heatmap:%s:%s", slideID, op)
	if len(params) == 0 {
		return base
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range keys {
		h.Write([]byte(fmt.Sprintf("%s=%v", k, params[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// ChartKey generates a cache key for a rendered job chart.
func ChartKey(jobID, kind string) string {
	return fmt.Sprintf("chart:%s:%s", jobID, kind)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"render_cache_len": m.renderCache.Len(),
		"render_cache_cap": m.renderCache.Capacity(),
		"render_hits":      m.renderHits.Load(),
		"render_misses":    m.renderMisses.Load(),
		"engine_cache_len": m.engineCache.Len(),
		"engine_hits":      m.engineHits.Load(),
		"engine_misses":    m.engineMisses.Load(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.renderCache.Close()
}
