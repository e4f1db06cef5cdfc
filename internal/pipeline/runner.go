// Package pipeline runs the tiled profiling traversal: plan tiles over the
// region of interest, process them on a bounded worker pool, and merge
// per-tile partial statistics into the slide-level profile.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wsi-profiles/profiler/internal/binning"
	"github.com/wsi-profiles/profiler/internal/config"
	"github.com/wsi-profiles/profiler/internal/detect"
	"github.com/wsi-profiles/profiler/internal/device"
	"github.com/wsi-profiles/profiler/internal/geom"
	"github.com/wsi-profiles/profiler/internal/profile"
	"github.com/wsi-profiles/profiler/internal/pyramid"
	"github.com/wsi-profiles/profiler/internal/tiling"
)

// Runner executes a full profiling run over one slide.
type Runner struct {
	acc pyramid.Accessor
	seg detect.Segmenter
	cfg *config.Config

	// CollectCells keeps every owned cell in the result for overlay
	// rendering. Off by default: a dense slide holds millions of cells.
	CollectCells bool

	cellMu sync.Mutex
	cells  []detect.Cell
}

// Result carries the profile plus the inputs downstream consumers (export,
// overlay rendering) need alongside it.
type Result struct {
	Profile      *profile.Profile
	Masks        []device.Mask
	Cells        []detect.Cell
	WorkingLevel int
	Region       geom.Rect
}

// NewRunner builds a runner. seg may be nil, in which case the built-in
// threshold segmenter is used.
func NewRunner(acc pyramid.Accessor, seg detect.Segmenter, cfg *config.Config) *Runner {
	if seg == nil {
		seg = detect.NewThresholdSegmenter()
	}
	return &Runner{acc: acc, seg: seg, cfg: cfg}
}

// Run validates configuration, localizes devices, and traverses the tile
// plan. Per-tile failures are recorded in the profile's coverage and never
// abort the run; configuration and localization failures are fatal and
// surface before any tile is processed.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}

	slide := r.acc.Slide()
	level := slide.LevelFor(r.cfg.Pipeline.TargetMPP)
	mpp := slide.MPPAt(level)

	binner, err := binning.NewBinner(r.cfg.Binning.BinWidth, r.cfg.Binning.MaxDistance, mpp, r.cfg.Binning.PerDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	localizer := device.NewLocalizer(r.acc, r.cfg.Device)
	masks, err := localizer.Localize(ctx, level)
	if err != nil {
		return nil, fmt.Errorf("device localization: %w", err)
	}

	agg := profile.NewAggregator()
	deviceIDs := make([]int, len(masks))
	for i := range masks {
		deviceIDs[i] = masks[i].ID
	}

	// No devices on the slide is a legitimate outcome: an empty profile
	// with zero attempted tiles, not an error.
	if len(masks) == 0 {
		log.Printf("[Pipeline] no devices found on %s; emitting empty profile", slide.Name)
		return &Result{
			Profile: agg.Finalize(slide.Name, nil, binner.BinWidth, binner.MaxDistance,
				binner.NumBins(), r.cfg.Binning.PerDevice),
			WorkingLevel: level,
		}, nil
	}

	region := r.regionOfInterest(masks, level)
	plan, err := tiling.NewPlan(region, slide.Extent(level), level, r.cfg.Pipeline.TileSize, r.cfg.Pipeline.HaloWidth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	log.Printf("[Pipeline] %s: %d device(s), %d tile(s) over %dx%d px at level %d",
		slide.Name, len(masks), plan.Len(), region.Dx(), region.Dy(), level)

	detector := detect.NewDetector(r.seg)

	// The cutoff in working-level pixels decides which masks a tile's
	// cells could possibly bin against.
	cutoffPx := int(binner.MaxDistance/mpp) + 1

	var wg sync.WaitGroup
	jobs := make(chan tiling.Tile)

	workers := r.cfg.Pipeline.Workers
	if workers > plan.Len() {
		workers = plan.Len()
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tile := range jobs {
				r.processTile(ctx, tile, detector, binner, masks, cutoffPx, agg)
			}
		}()
	}

	// Dispatch; cancellation is honored between dispatches, and partial
	// results from abandoned tiles are simply never merged.
	var dispatchErr error
	plan.Each(func(t tiling.Tile) bool {
		select {
		case jobs <- t:
			return true
		case <-ctx.Done():
			dispatchErr = ctx.Err()
			return false
		}
	})
	close(jobs)
	wg.Wait()

	if dispatchErr != nil {
		return nil, dispatchErr
	}
	// Cancellation that lands after the last dispatch still abandons queued
	// tiles; a profile over the remainder would read as healthy coverage.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prof := agg.Finalize(slide.Name, deviceIDs, binner.BinWidth, binner.MaxDistance,
		binner.NumBins(), r.cfg.Binning.PerDevice)
	log.Printf("[Pipeline] %s: coverage %.3f (%d/%d tiles), %d out-of-range cell(s)",
		slide.Name, prof.Coverage.Fraction, prof.Coverage.TilesSucceeded,
		prof.Coverage.TilesAttempted, prof.Coverage.OutOfRange)

	return &Result{
		Profile:      prof,
		Masks:        masks,
		Cells:        r.cells,
		WorkingLevel: level,
		Region:       region,
	}, nil
}

// regionOfInterest bounds the traversal to a margin around the device
// footprints, or the full slide when no margin is configured.
func (r *Runner) regionOfInterest(masks []device.Mask, level int) geom.Rect {
	extent := r.acc.Slide().Extent(level)
	margin := r.cfg.Pipeline.DeviceMargin
	if margin <= 0 {
		return extent
	}
	var roi geom.Rect
	for i := range masks {
		roi = roi.Union(masks[i].Bounds.Expand(margin))
	}
	return roi.Intersect(extent)
}

// processTile runs one tile's read → detect → dedupe → bin pipeline and
// publishes the result. Decode failures are retried once with backoff;
// timeouts and second failures mark the tile failed.
func (r *Runner) processTile(ctx context.Context, tile tiling.Tile, detector *detect.Detector,
	binner *binning.Binner, masks []device.Mask, cutoffPx int, agg *profile.Aggregator) {

	if ctx.Err() != nil {
		// Abandoned before start: not attempted, not merged.
		return
	}

	partial, err := r.tryTile(ctx, tile, detector, binner, masks, cutoffPx)
	if err != nil && errors.Is(err, pyramid.ErrDecode) {
		// One retry with backoff for corrupt/unreadable tile data.
		select {
		case <-time.After(r.cfg.RetryBackoff()):
		case <-ctx.Done():
			return
		}
		partial, err = r.tryTile(ctx, tile, detector, binner, masks, cutoffPx)
	}

	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			// Run cancelled, not a tile problem.
			return
		}
		reason := failureReason(err)
		log.Printf("[Pipeline] tile %d failed (%s): %v", tile.ID, reason, err)
		agg.RecordFailure(tile.ID, reason)
		return
	}
	agg.Merge(partial)
}

func (r *Runner) tryTile(ctx context.Context, tile tiling.Tile, detector *detect.Detector,
	binner *binning.Binner, masks []device.Mask, cutoffPx int) (*profile.Partial, error) {

	tileCtx := ctx
	if timeout := r.cfg.TileTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		tileCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	pixels, err := r.acc.ReadRegion(tileCtx, tile.Level, tile.Halo)
	if err != nil {
		return nil, err
	}

	cells, err := detector.Detect(tileCtx, tile, pixels)
	if err != nil {
		return nil, err
	}
	owned := detect.Dedupe(tile, cells)
	if r.CollectCells && len(owned) > 0 {
		r.cellMu.Lock()
		r.cells = append(r.cells, owned...)
		r.cellMu.Unlock()
	}

	relevant := make([]*device.Mask, 0, len(masks))
	reach := tile.Core.Expand(cutoffPx)
	for i := range masks {
		if masks[i].Intersects(reach) {
			relevant = append(relevant, &masks[i])
		}
	}
	return binner.Bin(tile.ID, owned, relevant), nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, pyramid.ErrDecode):
		return "decode"
	case errors.Is(err, pyramid.ErrBounds):
		return "bounds"
	default:
		return "detect"
	}
}
