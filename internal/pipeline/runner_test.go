package pipeline

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/wsi-profiles/profiler/internal/config"
	"github.com/wsi-profiles/profiler/internal/detect"
	"github.com/wsi-profiles/profiler/internal/geom"
	"github.com/wsi-profiles/profiler/internal/profile"
	"github.com/wsi-profiles/profiler/internal/pyramid"
)

// The synthetic scenario: a 4096x4096 slide at 1 um/px with one square
// device of side 400 px, and cells planted at exact known distances from its
// right edge in steps of 50 px. With bin width 50 and cutoff 450, bins
// [0,50)..[400,450) each receive exactly the cells planted at their
// distance; cells at 450 and 500 are out of range.
const (
	slideSide    = 4096
	deviceX0     = 1848
	deviceSide   = 400
	deviceEdge   = deviceX0 + deviceSide - 1 // rightmost foreground pixel
	cellsPerDist = 9
)

func syntheticSlide() *pyramid.MemorySlide {
	data := make([]uint8, slideSide*slideSide)
	for y := deviceX0; y < deviceX0+deviceSide; y++ {
		for x := deviceX0; x < deviceX0+deviceSide; x++ {
			data[y*slideSide+x] = 230
		}
	}
	return pyramid.NewMemorySlide("synthetic", slideSide, slideSide, 1.0, data)
}

// plantedCells returns centroids at distances 0..500 step 50 from the
// device's right edge, spread in y so they land in multiple tiles.
func plantedCells() []geom.Point {
	var cells []geom.Point
	for step := 0; step <= 10; step++ {
		d := float64(step * 50)
		for k := 0; k < cellsPerDist; k++ {
			y := float64(1880 + k*40)
			cells = append(cells, geom.Point{X: float64(deviceEdge) + d, Y: y})
		}
	}
	return cells
}

// plantedSegmenter reports a fixed set of slide-coordinate cells, returning
// whichever fall inside the requested pixel rect in tile-local coordinates.
// Every cell in a halo overlap is reported to both tiles, which is exactly
// what the ownership dedupe has to resolve.
type plantedSegmenter struct {
	cells []geom.Point
}

func (s *plantedSegmenter) Segment(ctx context.Context, pixels *pyramid.Pixels) ([]detect.Candidate, error) {
	var out []detect.Candidate
	for _, c := range s.cells {
		if !pixels.Rect.ContainsPoint(c) {
			continue
		}
		out = append(out, detect.Candidate{
			Centroid:      geom.Point{X: c.X - float64(pixels.Rect.X0), Y: c.Y - float64(pixels.Rect.Y0)},
			Area:          64,
			Eccentricity:  0.4,
			MeanIntensity: 150,
		})
	}
	return out, nil
}

func scenarioConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Pipeline.TargetMPP = 0 // work at level 0
	cfg.Pipeline.TileSize = 1024
	cfg.Pipeline.HaloWidth = 64
	cfg.Pipeline.MaxCellDiameter = 40
	cfg.Pipeline.DeviceMargin = 0 // full slide
	cfg.Pipeline.Workers = 4
	cfg.Pipeline.TileTimeoutSeconds = 60
	cfg.Pipeline.RetryBackoffMillis = 1
	cfg.Binning.BinWidth = 50
	cfg.Binning.MaxDistance = 450
	cfg.Binning.PerDevice = true
	return cfg
}

func TestRunSyntheticScenario(t *testing.T) {
	acc := syntheticSlide()
	seg := &plantedSegmenter{cells: plantedCells()}
	runner := NewRunner(acc, seg, scenarioConfig())

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	prof := result.Profile

	if len(result.Masks) != 1 {
		t.Fatalf("expected 1 device mask, got %d", len(result.Masks))
	}

	// 9 bins per device plus 9 pooled.
	if len(prof.Rows) != 18 {
		t.Fatalf("expected 18 rows, got %d", len(prof.Rows))
	}

	pooled := make(map[int]profile.Row)
	for _, row := range prof.Rows {
		if row.Device == profile.Pooled {
			pooled[int(row.Lower/50)] = row
		}
	}
	for bin := 0; bin < 9; bin++ {
		row := pooled[bin]
		if row.Count != cellsPerDist {
			t.Errorf("bin [%g,%g) count = %d, want %d", row.Lower, row.Upper, row.Count, cellsPerDist)
		}
		if row.Count > 0 && math.Abs(row.MeanArea-64) > 1e-9 {
			t.Errorf("bin %d mean area = %g, want 64", bin, row.MeanArea)
		}
	}

	// Cells at 450 and 500 px are beyond the cutoff.
	if want := int64(2 * cellsPerDist); prof.Coverage.OutOfRange != want {
		t.Errorf("out of range = %d, want %d", prof.Coverage.OutOfRange, want)
	}

	cov := prof.Coverage
	if cov.TilesAttempted != 16 || cov.TilesSucceeded != 16 || cov.TilesFailed != 0 {
		t.Errorf("coverage %d/%d/%d, want 16/16/0", cov.TilesAttempted, cov.TilesSucceeded, cov.TilesFailed)
	}
	if cov.Fraction != 1 {
		t.Errorf("coverage fraction = %g, want 1", cov.Fraction)
	}
	if cov.DeviceCount != 1 {
		t.Errorf("device count = %d, want 1", cov.DeviceCount)
	}
}

// Two identical runs must produce identical profiles regardless of worker
// scheduling.
func TestRunIsDeterministic(t *testing.T) {
	run := func() *profile.Profile {
		acc := syntheticSlide()
		seg := &plantedSegmenter{cells: plantedCells()}
		runner := NewRunner(acc, seg, scenarioConfig())
		result, err := runner.Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return result.Profile
	}

	a, b := run(), run()
	if !reflect.DeepEqual(a.Rows, b.Rows) {
		t.Error("two identical runs produced different rows")
	}
	if a.Coverage.OutOfRange != b.Coverage.OutOfRange {
		t.Error("two identical runs produced different out-of-range counts")
	}
}

// failingAccessor injects decode failures for reads of one exact region.
type failingAccessor struct {
	pyramid.Accessor
	target   geom.Rect
	failures atomic.Int64
	budget   int64 // how many times the target read fails
}

func (f *failingAccessor) ReadRegion(ctx context.Context, level int, region geom.Rect) (*pyramid.Pixels, error) {
	if region == f.target && f.failures.Add(1) <= f.budget {
		return nil, &pyramid.DecodeError{Level: level, Region: region, Err: errors.New("injected")}
	}
	return f.Accessor.ReadRegion(ctx, level, region)
}

func TestRunRecordsDecodeFailedTile(t *testing.T) {
	// Tile (0,0) of a 1024-tile plan over the full slide: halo [0,1088).
	target := geom.NewRect(0, 0, 1088, 1088)
	acc := &failingAccessor{Accessor: syntheticSlide(), target: target, budget: 1 << 30}
	seg := &plantedSegmenter{cells: plantedCells()}
	runner := NewRunner(acc, seg, scenarioConfig())

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	cov := result.Profile.Coverage

	if cov.TilesAttempted != 16 || cov.TilesSucceeded != 15 || cov.TilesFailed != 1 {
		t.Fatalf("coverage %d/%d/%d, want 16/15/1", cov.TilesAttempted, cov.TilesSucceeded, cov.TilesFailed)
	}
	if len(cov.Failures) != 1 || cov.Failures[0].Reason != "decode" {
		t.Errorf("unexpected failures: %+v", cov.Failures)
	}
	if math.Abs(cov.Fraction-15.0/16.0) > 1e-12 {
		t.Errorf("fraction = %g, want %g", cov.Fraction, 15.0/16.0)
	}
	// The failed tile holds no planted cells, so the statistics match the
	// clean run.
	if got := result.Profile.Rows; len(got) != 18 {
		t.Errorf("expected 18 rows, got %d", len(got))
	}
	// Exactly two attempts on the failed tile: initial plus one retry.
	if got := acc.failures.Load(); got != 2 {
		t.Errorf("target read attempted %d times, want 2", got)
	}
}

func TestRunRetriesDecodeOnce(t *testing.T) {
	target := geom.NewRect(0, 0, 1088, 1088)
	acc := &failingAccessor{Accessor: syntheticSlide(), target: target, budget: 1}
	seg := &plantedSegmenter{cells: plantedCells()}
	runner := NewRunner(acc, seg, scenarioConfig())

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	cov := result.Profile.Coverage
	if cov.TilesFailed != 0 || cov.TilesSucceeded != 16 {
		t.Errorf("transient decode failure should recover on retry, coverage %+v", cov)
	}
}

func TestRunInvalidConfigurationIsFatal(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Pipeline.HaloWidth = 8 // smaller than max cell diameter

	runner := NewRunner(syntheticSlide(), &plantedSegmenter{}, cfg)
	_, err := runner.Run(context.Background())
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(syntheticSlide(), &plantedSegmenter{cells: plantedCells()}, scenarioConfig())
	if _, err := runner.Run(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

// cancellingSegmenter cancels the run from inside segmentation, after every
// tile has already been dispatched.
type cancellingSegmenter struct {
	inner  detect.Segmenter
	cancel context.CancelFunc
}

func (s *cancellingSegmenter) Segment(ctx context.Context, pixels *pyramid.Pixels) ([]detect.Candidate, error) {
	out, err := s.inner.Segment(ctx, pixels)
	s.cancel()
	return out, err
}

// Cancellation landing after the last dispatch abandons queued tiles; the
// run must report the cancellation rather than a healthy-looking profile
// over whatever happened to complete.
func TestRunCancelledAfterDispatchIsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := scenarioConfig()
	cfg.Pipeline.TileSize = slideSide // one tile, so dispatch finishes before processing
	seg := &cancellingSegmenter{inner: &plantedSegmenter{cells: plantedCells()}, cancel: cancel}

	runner := NewRunner(syntheticSlide(), seg, cfg)
	if _, err := runner.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunNoDevicesYieldsEmptyProfile(t *testing.T) {
	// Blank slide: nothing to localize.
	blank := pyramid.NewMemorySlide("blank", 2048, 2048, 1.0, make([]uint8, 2048*2048))
	runner := NewRunner(blank, &plantedSegmenter{}, scenarioConfig())

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	prof := result.Profile

	if prof.Coverage.DeviceCount != 0 {
		t.Errorf("device count = %d, want 0", prof.Coverage.DeviceCount)
	}
	if prof.Coverage.TilesAttempted != 0 {
		t.Errorf("tiles attempted = %d, want 0", prof.Coverage.TilesAttempted)
	}
	for _, row := range prof.Rows {
		if row.Count != 0 {
			t.Errorf("empty profile has nonzero bin: %+v", row)
		}
	}
}

func TestRunCollectsCellsWhenAsked(t *testing.T) {
	runner := NewRunner(syntheticSlide(), &plantedSegmenter{cells: plantedCells()}, scenarioConfig())
	runner.CollectCells = true

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Cells) != 11*cellsPerDist {
		t.Errorf("collected %d cells, want %d", len(result.Cells), 11*cellsPerDist)
	}
}
