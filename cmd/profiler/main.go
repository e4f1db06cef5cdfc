// Package main is the entry point for the slide profiler.
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

	"github.com/wsi-profiles/profiler/internal/api"
	"github.com/wsi-profiles/profiler/internal/cache"
	"github.com/wsi-profiles/profiler/internal/config"
	"github.com/wsi-profiles/profiler/internal/export"
	"github.com/wsi-profiles/profiler/internal/pipeline"
	"github.com/wsi-profiles/profiler/internal/pyramid"
	"github.com/wsi-profiles/profiler/internal/render"
	"github.com/wsi-profiles/profiler/internal/runstore"
)

func main() {
	// synth has its own flag set, so it is dispatched before the main
	// flags are parsed.
	if len(os.Args) > 1 && os.Args[1] == "synth" {
		synth(os.Args[2:])
		return
	}

	configPath := flag.String("config", "config/profiler.yaml", "Path to configuration file")
	mode := flag.String("mode", "run", "Mode: run or serve")
	slidePath := flag.String("slide", "", "Path to the slide store (overrides config)")
	outCSV := flag.String("out", "profile.csv", "Profile CSV output path (run mode)")
	outJSON := flag.String("json", "", "Profile JSON output path (run mode, optional)")
	outOverlay := flag.String("overlay", "", "Overlay PNG output path (run mode, optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *slidePath != "" {
		cfg.Store.SlidePath = *slidePath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	switch *mode {
	case "run":
		runOnce(cfg, *outCSV, *outJSON, *outOverlay)
	case "serve":
		serve(cfg)
	default:
		log.Fatalf("Unknown mode %q (want run or serve)", *mode)
	}
}

func openAccessor(cfg *config.Config) pyramid.Accessor {
	if cfg.Store.SlidePath == "" {
		log.Fatalf("No slide store configured (set store.slide_path or -slide)")
	}
	store, err := pyramid.OpenStore(cfg.Store.SlidePath)
	if err != nil {
		log.Fatalf("Failed to open slide store %s: %v", cfg.Store.SlidePath, err)
	}

	acc, err := cache.NewAccessor(store, cache.Config{
		RegionSizeMB: cfg.Cache.RegionSizeMB,
		RegionTTL:    time.Duration(cfg.Cache.RegionTTLMinutes) * time.Minute,
	})
	if err != nil {
		log.Fatalf("Failed to initialize region cache: %v", err)
	}

	slide := acc.Slide()
	log.Printf("Opened %s: %d level(s), %dx%d px, %.3f um/px",
		slide.Name, slide.LevelCount(), slide.Extent(0).Dx(), slide.Extent(0).Dy(), slide.MPP)
	return acc
}

func runOnce(cfg *config.Config, outCSV, outJSON, outOverlay string) {
	acc := openAccessor(cfg)
	defer acc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(acc, nil, cfg)
	runner.CollectCells = outOverlay != ""

	start := time.Now()
	result, err := runner.Run(ctx)
	if err != nil {
		log.Fatalf("Profiling run failed: %v", err)
	}
	log.Printf("Profiling completed in %s", time.Since(start).Round(time.Millisecond))

	if err := export.SaveCSV(outCSV, result.Profile); err != nil {
		log.Fatalf("Failed to write %s: %v", outCSV, err)
	}
	log.Printf("Wrote %s (%d rows)", outCSV, len(result.Profile.Rows))

	if outJSON != "" {
		if err := export.SaveJSON(outJSON, result.Profile); err != nil {
			log.Fatalf("Failed to write %s: %v", outJSON, err)
		}
		log.Printf("Wrote %s", outJSON)
	}

	if outOverlay != "" {
		overlay := render.NewOverlay(render.DefaultConfig())
		png, err := overlay.Render(ctx, acc, result.Region, result.WorkingLevel,
			result.Masks, result.Cells, result.Profile.BinWidth, result.Profile.MaxDist)
		if err != nil {
			log.Fatalf("Failed to render overlay: %v", err)
		}
		if err := os.WriteFile(outOverlay, png, 0644); err != nil {
			log.Fatalf("Failed to write %s: %v", outOverlay, err)
		}
		log.Printf("Wrote %s", outOverlay)
	}
}

func serve(cfg *config.Config) {
	acc := openAccessor(cfg)
	defer acc.Close()

	runManager, err := api.NewRunManager(api.RunManagerConfig{
		MaxConcurrent: cfg.Server.MaxConcurrent,
		SQLitePath:    cfg.Server.SQLitePath,
		RetentionDays: cfg.Server.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize run manager: %v", err)
	}
	log.Printf("Run manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Server.MaxConcurrent, cfg.Server.RetentionDays, cfg.Server.SQLitePath)

	runManager.Executor = func(ctx context.Context, store *runstore.Store, run *runstore.Run) (*pipeline.Result, error) {
		runner := pipeline.NewRunner(acc, nil, run.Config)
		runner.CollectCells = true

		store.UpdateRunProgress(run.ID, "profiling", 0, 0)
		result, err := runner.Run(ctx)
		if err != nil {
			return nil, err
		}
		cov := result.Profile.Coverage
		store.UpdateRunProgress(run.ID, "done", cov.TilesSucceeded, cov.TilesAttempted)
		if err := store.SaveProfile(run.ID, result.Profile); err != nil {
			return nil, fmt.Errorf("persist profile: %w", err)
		}
		return result, nil
	}

	runManager.Start()
	defer runManager.Stop()

	router := api.NewRouter(api.RouterConfig{
		Accessor:    acc,
		RunManager:  runManager,
		Defaults:    cfg,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
