// Package config handles configuration loading for the profiler.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks a fatal configuration problem. Validation runs
// before any tile processing starts; an invalid configuration aborts the run
// rather than silently corrupting its statistics.
var ErrConfiguration = errors.New("invalid configuration")

// Config represents the profiler configuration.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Device   DeviceConfig   `yaml:"device"`
	Binning  BinningConfig  `yaml:"binning"`
	Cache    CacheConfig    `yaml:"cache"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
}

// PipelineConfig contains tile traversal settings.
type PipelineConfig struct {
	// TargetMPP selects the working level as the coarsest level at or
	// below this micron-per-pixel value. Zero means work at level 0.
	TargetMPP float64 `yaml:"target_mpp"`
	// TileSize is the side of a tile core rectangle in working-level pixels.
	TileSize int `yaml:"tile_size"`
	// HaloWidth is the halo margin in working-level pixels. Must exceed
	// MaxCellDiameter so no cell can span beyond a tile's halo.
	HaloWidth int `yaml:"halo_width"`
	// MaxCellDiameter is the largest expected cell diameter in
	// working-level pixels.
	MaxCellDiameter int `yaml:"max_cell_diameter"`
	// DeviceMargin bounds the region of interest to this margin around
	// each device footprint, in working-level pixels. Zero profiles the
	// full slide extent.
	DeviceMargin int `yaml:"device_margin"`
	// Workers is the tile worker pool size. Defaults to GOMAXPROCS, and
	// should be capped to the backing handle budget of the slide format.
	Workers int `yaml:"workers"`
	// TileTimeoutSeconds bounds a single tile's read+detect. Zero
	// disables the timeout.
	TileTimeoutSeconds int `yaml:"tile_timeout_seconds"`
	// RetryBackoffMillis is the pause before the single retry of a
	// decode-failed tile.
	RetryBackoffMillis int `yaml:"retry_backoff_millis"`
}

// DeviceConfig contains device localization settings.
type DeviceConfig struct {
	// CoarseMPP is the resolution used for the first localization pass.
	CoarseMPP float64 `yaml:"coarse_mpp"`
	// MinArea is the minimum device footprint area in square microns.
	MinArea float64 `yaml:"min_area"`
	// MinSolidity rejects ragged blobs (tissue folds, debris): blob area
	// divided by convex hull area must reach this value.
	MinSolidity float64 `yaml:"min_solidity"`
	// MergeOverlap merges two detections whose footprints overlap by at
	// least this fraction of the smaller footprint.
	MergeOverlap float64 `yaml:"merge_overlap"`
	// RefineMargin is the margin around a coarse footprint re-read at the
	// working level, in working-level pixels.
	RefineMargin int `yaml:"refine_margin"`
}

// BinningConfig contains distance binning settings.
type BinningConfig struct {
	// BinWidth is the distance bin width in microns.
	BinWidth float64 `yaml:"bin_width"`
	// MaxDistance is the cutoff in microns; cells farther from every
	// device are counted as out-of-range, not binned.
	MaxDistance float64 `yaml:"max_distance"`
	// PerDevice keeps a separate profile per device alongside the pooled
	// profile.
	PerDevice bool `yaml:"per_device"`
}

// CacheConfig contains region cache settings.
type CacheConfig struct {
	RegionSizeMB     int `yaml:"region_size_mb"`
	RegionTTLMinutes int `yaml:"region_ttl_minutes"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	Port          int      `yaml:"port"`
	CORSOrigins   []string `yaml:"cors_origins"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	SQLitePath    string   `yaml:"sqlite_path"`
	RetentionDays int      `yaml:"retention_days"`
}

// StoreConfig contains slide store settings.
type StoreConfig struct {
	SlidePath string `yaml:"slide_path"`
}

// Load reads configuration from a YAML file. A missing file yields the
// default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			TargetMPP:          0.5,
			TileSize:           1024,
			HaloWidth:          64,
			MaxCellDiameter:    40,
			DeviceMargin:       4096,
			Workers:            runtime.GOMAXPROCS(0),
			TileTimeoutSeconds: 60,
			RetryBackoffMillis: 250,
		},
		Device: DeviceConfig{
			CoarseMPP:    8.0,
			MinArea:      5000,
			MinSolidity:  0.80,
			MergeOverlap: 0.30,
			RefineMargin: 128,
		},
		Binning: BinningConfig{
			BinWidth:    50,
			MaxDistance: 500,
			PerDevice:   true,
		},
		Cache: CacheConfig{
			RegionSizeMB:     256,
			RegionTTLMinutes: 10,
		},
		Server: ServerConfig{
			Port:          8080,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			MaxConcurrent: 1,
			SQLitePath:    "./data/runs.sqlite",
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Pipeline.TileSize == 0 {
		cfg.Pipeline.TileSize = defaults.Pipeline.TileSize
	}
	if cfg.Pipeline.HaloWidth == 0 {
		cfg.Pipeline.HaloWidth = defaults.Pipeline.HaloWidth
	}
	if cfg.Pipeline.MaxCellDiameter == 0 {
		cfg.Pipeline.MaxCellDiameter = defaults.Pipeline.MaxCellDiameter
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = defaults.Pipeline.Workers
	}
	if cfg.Pipeline.RetryBackoffMillis == 0 {
		cfg.Pipeline.RetryBackoffMillis = defaults.Pipeline.RetryBackoffMillis
	}
	if cfg.Device.CoarseMPP == 0 {
		cfg.Device.CoarseMPP = defaults.Device.CoarseMPP
	}
	if cfg.Device.MinArea == 0 {
		cfg.Device.MinArea = defaults.Device.MinArea
	}
	if cfg.Device.MinSolidity == 0 {
		cfg.Device.MinSolidity = defaults.Device.MinSolidity
	}
	if cfg.Device.MergeOverlap == 0 {
		cfg.Device.MergeOverlap = defaults.Device.MergeOverlap
	}
	if cfg.Device.RefineMargin == 0 {
		cfg.Device.RefineMargin = defaults.Device.RefineMargin
	}
	if cfg.Binning.BinWidth == 0 {
		cfg.Binning.BinWidth = defaults.Binning.BinWidth
	}
	if cfg.Binning.MaxDistance == 0 {
		cfg.Binning.MaxDistance = defaults.Binning.MaxDistance
	}
	if cfg.Cache.RegionSizeMB == 0 {
		cfg.Cache.RegionSizeMB = defaults.Cache.RegionSizeMB
	}
	if cfg.Cache.RegionTTLMinutes == 0 {
		cfg.Cache.RegionTTLMinutes = defaults.Cache.RegionTTLMinutes
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.MaxConcurrent == 0 {
		cfg.Server.MaxConcurrent = defaults.Server.MaxConcurrent
	}
	if cfg.Server.SQLitePath == "" {
		cfg.Server.SQLitePath = defaults.Server.SQLitePath
	}
	if cfg.Server.RetentionDays == 0 {
		cfg.Server.RetentionDays = defaults.Server.RetentionDays
	}
}

// TileTimeout returns the per-tile timeout as a duration.
func (c *Config) TileTimeout() time.Duration {
	return time.Duration(c.Pipeline.TileTimeoutSeconds) * time.Second
}

// RetryBackoff returns the decode-retry backoff as a duration.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Pipeline.RetryBackoffMillis) * time.Millisecond
}

// Validate checks the invariants that would silently corrupt results if
// violated. It must be called before any tile processing starts.
func (c *Config) Validate() error {
	if c.Pipeline.TileSize <= 0 {
		return fmt.Errorf("%w: tile_size must be positive, got %d", ErrConfiguration, c.Pipeline.TileSize)
	}
	if c.Pipeline.HaloWidth < 0 {
		return fmt.Errorf("%w: halo_width must not be negative, got %d", ErrConfiguration, c.Pipeline.HaloWidth)
	}
	if c.Pipeline.HaloWidth < c.Pipeline.MaxCellDiameter {
		return fmt.Errorf("%w: halo_width %d is smaller than max_cell_diameter %d; boundary cells could be truncated",
			ErrConfiguration, c.Pipeline.HaloWidth, c.Pipeline.MaxCellDiameter)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrConfiguration, c.Pipeline.Workers)
	}
	if c.Pipeline.TileTimeoutSeconds < 0 {
		return fmt.Errorf("%w: tile_timeout_seconds must not be negative, got %d", ErrConfiguration, c.Pipeline.TileTimeoutSeconds)
	}
	if c.Binning.BinWidth <= 0 {
		return fmt.Errorf("%w: bin_width must be positive, got %g", ErrConfiguration, c.Binning.BinWidth)
	}
	if c.Binning.MaxDistance <= 0 {
		return fmt.Errorf("%w: max_distance must be positive, got %g", ErrConfiguration, c.Binning.MaxDistance)
	}
	if c.Device.MinSolidity < 0 || c.Device.MinSolidity > 1 {
		return fmt.Errorf("%w: min_solidity must be within [0,1], got %g", ErrConfiguration, c.Device.MinSolidity)
	}
	if c.Device.MergeOverlap < 0 || c.Device.MergeOverlap > 1 {
		return fmt.Errorf("%w: merge_overlap must be within [0,1], got %g", ErrConfiguration, c.Device.MergeOverlap)
	}
	return nil
}
