package detect

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/wsi-profiles/profiler/internal/geom"
	"github.com/wsi-profiles/profiler/internal/pyramid"
	"github.com/wsi-profiles/profiler/internal/tiling"
)

// raster builds a tile pixel buffer with bright square blobs at the given
// top-left corners.
func raster(rect geom.Rect, blobSide int, corners ...geom.Point) *pyramid.Pixels {
	w, h := rect.Dx(), rect.Dy()
	data := make([]uint8, w*h)
	for _, c := range corners {
		for dy := 0; dy < blobSide; dy++ {
			for dx := 0; dx < blobSide; dx++ {
				x, y := int(c.X)+dx, int(c.Y)+dy
				if x >= 0 && x < w && y >= 0 && y < h {
					data[y*w+x] = 200
				}
			}
		}
	}
	return &pyramid.Pixels{Rect: rect, Level: 0, Data: data}
}

func TestThresholdSegmenterFindsBlobs(t *testing.T) {
	rect := geom.NewRect(0, 0, 64, 64)
	pixels := raster(rect, 4, geom.Point{X: 10, Y: 10}, geom.Point{X: 40, Y: 30})

	seg := &ThresholdSegmenter{Threshold: 100, MinArea: 4}
	candidates, err := seg.Segment(context.Background(), pixels)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}

	// A 4x4 blob at (10,10) has its centroid at the block center (12,12).
	c := candidates[0]
	if math.Abs(c.Centroid.X-12) > 1e-9 || math.Abs(c.Centroid.Y-12) > 1e-9 {
		t.Errorf("centroid = %v, want (12,12)", c.Centroid)
	}
	if c.Area != 16 {
		t.Errorf("area = %g, want 16", c.Area)
	}
	if c.MeanIntensity != 200 {
		t.Errorf("mean intensity = %g, want 200", c.MeanIntensity)
	}
	// A square is nearly isotropic.
	if c.Eccentricity > 0.1 {
		t.Errorf("square blob eccentricity = %g, want ~0", c.Eccentricity)
	}
}

func TestThresholdSegmenterAreaBounds(t *testing.T) {
	rect := geom.NewRect(0, 0, 64, 64)
	pixels := raster(rect, 2, geom.Point{X: 10, Y: 10}) // 4 px blob

	seg := &ThresholdSegmenter{Threshold: 100, MinArea: 8}
	candidates, err := seg.Segment(context.Background(), pixels)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("blob below MinArea must be dropped, got %d candidates", len(candidates))
	}

	seg = &ThresholdSegmenter{Threshold: 100, MinArea: 1, MaxArea: 3}
	candidates, err = seg.Segment(context.Background(), pixels)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("blob above MaxArea must be dropped, got %d candidates", len(candidates))
	}
}

func TestThresholdSegmenterElongatedBlob(t *testing.T) {
	rect := geom.NewRect(0, 0, 64, 64)
	w := rect.Dx()
	data := make([]uint8, w*rect.Dy())
	for x := 10; x < 40; x++ { // 30x2 bar
		data[20*w+x] = 220
		data[21*w+x] = 220
	}
	pixels := &pyramid.Pixels{Rect: rect, Level: 0, Data: data}

	seg := &ThresholdSegmenter{Threshold: 100, MinArea: 4}
	candidates, err := seg.Segment(context.Background(), pixels)
	if err != nil {
		t.Fatalf("Segment failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if candidates[0].Eccentricity < 0.9 {
		t.Errorf("bar eccentricity = %g, want > 0.9", candidates[0].Eccentricity)
	}
}

func TestDetectTranslatesToSlideCoordinates(t *testing.T) {
	bounds := geom.NewRect(0, 0, 4096, 4096)
	plan, err := tiling.NewPlan(bounds, bounds, 0, 1024, 64)
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}
	tile := plan.Tile(1, 1) // core [1024,2048), halo [960,2112)

	// Blob at halo-local (100,100) => slide (1060,1060).
	pixels := raster(tile.Halo, 4, geom.Point{X: 100, Y: 100})

	detector := NewDetector(&ThresholdSegmenter{Threshold: 100, MinArea: 4})
	cells, err := detector.Detect(context.Background(), tile, pixels)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(cells) != 1 {
		t.Fatalf("expected 1 cell, got %d", len(cells))
	}

	want := geom.Point{X: 960 + 102, Y: 960 + 102}
	if math.Abs(cells[0].Centroid.X-want.X) > 1e-9 || math.Abs(cells[0].Centroid.Y-want.Y) > 1e-9 {
		t.Errorf("centroid = %v, want %v", cells[0].Centroid, want)
	}
	if cells[0].TileID != tile.ID {
		t.Errorf("tile id = %d, want %d", cells[0].TileID, tile.ID)
	}
}

func TestDetectPropagatesSegmenterError(t *testing.T) {
	tile := tiling.Tile{ID: 7, Core: geom.NewRect(0, 0, 10, 10), Halo: geom.NewRect(0, 0, 10, 10)}
	detector := NewDetector(failingSegmenter{})

	_, err := detector.Detect(context.Background(), tile, &pyramid.Pixels{Rect: tile.Halo, Data: make([]uint8, 100)})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errSegment) {
		t.Errorf("expected wrapped segmenter error, got %v", err)
	}
}

var errSegment = errors.New("segmenter broken")

type failingSegmenter struct{}

func (failingSegmenter) Segment(context.Context, *pyramid.Pixels) ([]Candidate, error) {
	return nil, errSegment
}

func TestDedupeKeepsOnlyOwnedCells(t *testing.T) {
	bounds := geom.NewRect(0, 0, 2048, 2048)
	plan, err := tiling.NewPlan(bounds, bounds, 0, 1024, 64)
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}
	left := plan.Tile(0, 0)  // core [0,1024)
	right := plan.Tile(1, 0) // core [1024,2048)

	cells := []Cell{
		{Centroid: geom.Point{X: 500, Y: 500}},     // left core
		{Centroid: geom.Point{X: 1023.5, Y: 500}},  // left core, near edge
		{Centroid: geom.Point{X: 1024, Y: 500}},    // shared edge: right tile
		{Centroid: geom.Point{X: 1060, Y: 500}},    // right core, in left halo
	}

	ownedLeft := Dedupe(left, append([]Cell{}, cells...))
	if len(ownedLeft) != 2 {
		t.Fatalf("left tile owns %d cells, want 2", len(ownedLeft))
	}

	ownedRight := Dedupe(right, append([]Cell{}, cells...))
	if len(ownedRight) != 2 {
		t.Fatalf("right tile owns %d cells, want 2", len(ownedRight))
	}

	// Every cell owned exactly once across the two tiles.
	seen := make(map[geom.Point]int)
	for _, c := range append(ownedLeft, ownedRight...) {
		seen[c.Centroid]++
	}
	if len(seen) != len(cells) {
		t.Errorf("expected %d distinct owned cells, got %d", len(cells), len(seen))
	}
	for p, n := range seen {
		if n != 1 {
			t.Errorf("cell %v owned %d times", p, n)
		}
	}
}
