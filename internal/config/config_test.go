package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
store:
  slide_path: "/data/slides/s1"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.TileSize != 1024 {
		t.Errorf("expected default tile size 1024, got %d", cfg.Pipeline.TileSize)
	}
	if cfg.Pipeline.HaloWidth != 64 {
		t.Errorf("expected default halo width 64, got %d", cfg.Pipeline.HaloWidth)
	}
	if cfg.Binning.BinWidth != 50 {
		t.Errorf("expected default bin width 50, got %g", cfg.Binning.BinWidth)
	}
	if cfg.Store.SlidePath != "/data/slides/s1" {
		t.Errorf("unexpected slide_path: %s", cfg.Store.SlidePath)
	}
}

func TestLoad_Overrides(t *testing.T) {
	content := `
pipeline:
  tile_size: 512
  halo_width: 48
  workers: 4
binning:
  bin_width: 25
  max_distance: 250
  per_device: true
`
	cfg := loadFromString(t, content)

	if cfg.Pipeline.TileSize != 512 {
		t.Errorf("expected tile size 512, got %d", cfg.Pipeline.TileSize)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Binning.MaxDistance != 250 {
		t.Errorf("expected max distance 250, got %g", cfg.Binning.MaxDistance)
	}
	if !cfg.Binning.PerDevice {
		t.Error("expected per_device to be set")
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Pipeline.TileSize != DefaultConfig().Pipeline.TileSize {
		t.Errorf("expected default config for missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Run("defaultsAreValid", func(t *testing.T) {
		if err := DefaultConfig().Validate(); err != nil {
			t.Fatalf("default config should validate: %v", err)
		}
	})

	t.Run("haloSmallerThanCellDiameter", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Pipeline.HaloWidth = 10
		cfg.Pipeline.MaxCellDiameter = 40
		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected validation error")
		}
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("zeroTileSize", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Pipeline.TileSize = 0
		if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("negativeBinWidth", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Binning.BinWidth = -1
		if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("solidityOutOfRange", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Device.MinSolidity = 1.5
		if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("expected ErrConfiguration, got %v", err)
		}
	})
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
