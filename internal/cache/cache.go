// Package cache provides an in-memory region cache for slide reads.
//
// Device localization and overlay rendering re-read the same coarse regions
// a pipeline run touches; the cache sits behind the Accessor interface so
// callers cannot tell a cached read from a backing read.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/wsi-profiles/profiler/internal/geom"
	"github.com/wsi-profiles/profiler/internal/pyramid"
)

// Config contains cache sizing.
type Config struct {
	RegionSizeMB int
	RegionTTL    time.Duration
}

// Accessor decorates a pyramid.Accessor with a bigcache-backed region
// cache. Safe for concurrent use; bigcache shards internally.
type Accessor struct {
	inner   pyramid.Accessor
	regions *bigcache.BigCache
}

// NewAccessor wraps an accessor with a region cache.
func NewAccessor(inner pyramid.Accessor, cfg Config) (*Accessor, error) {
	regionCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.RegionTTL,
		CleanWindow:        cfg.RegionTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       4 * 1024 * 1024,
		HardMaxCacheSize:   cfg.RegionSizeMB,
		Verbose:            false,
	}
	regions, err := bigcache.New(context.Background(), regionCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create region cache: %w", err)
	}
	return &Accessor{inner: inner, regions: regions}, nil
}

// Slide returns the underlying slide metadata.
func (a *Accessor) Slide() *pyramid.Slide { return a.inner.Slide() }

// ReadRegion serves a region from cache when possible. Failed reads are
// never cached; a retried tile goes back to the backing store.
func (a *Accessor) ReadRegion(ctx context.Context, level int, region geom.Rect) (*pyramid.Pixels, error) {
	key := regionKey(level, region)
	if data, err := a.regions.Get(key); err == nil {
		return &pyramid.Pixels{Rect: region, Level: level, Data: data}, nil
	}

	pixels, err := a.inner.ReadRegion(ctx, level, region)
	if err != nil {
		return nil, err
	}
	// Best effort: an over-budget entry just stays uncached.
	_ = a.regions.Set(key, pixels.Data)
	return pixels, nil
}

// Close releases the cache and the backing accessor.
func (a *Accessor) Close() error {
	if err := a.regions.Close(); err != nil {
		return err
	}
	return a.inner.Close()
}

// Stats returns cache occupancy counters.
func (a *Accessor) Stats() map[string]interface{} {
	return map[string]interface{}{
		"region_cache_len": a.regions.Len(),
		"region_cache_cap": a.regions.Capacity(),
	}
}

func regionKey(level int, region geom.Rect) string {
	return fmt.Sprintf("region:%d:%d/%d/%d/%d", level, region.X0, region.Y0, region.X1, region.Y1)
}
