package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wsi-profiles/profiler/internal/geom"
	"github.com/wsi-profiles/profiler/internal/pyramid"
)

// countingAccessor wraps an accessor and counts backing reads.
type countingAccessor struct {
	inner pyramid.Accessor
	reads atomic.Int64
	fail  atomic.Bool
}

func (c *countingAccessor) Slide() *pyramid.Slide { return c.inner.Slide() }

func (c *countingAccessor) ReadRegion(ctx context.Context, level int, region geom.Rect) (*pyramid.Pixels, error) {
	c.reads.Add(1)
	if c.fail.Load() {
		return nil, errors.New("backing store unavailable")
	}
	return c.inner.ReadRegion(ctx, level, region)
}

func (c *countingAccessor) Close() error { return c.inner.Close() }

func newTestAccessor(t *testing.T) (*Accessor, *countingAccessor) {
	t.Helper()

	data := make([]uint8, 64*64)
	for i := range data {
		data[i] = uint8(i % 251)
	}
	counting := &countingAccessor{inner: pyramid.NewMemorySlide("test", 64, 64, 1.0, data)}

	acc, err := NewAccessor(counting, Config{RegionSizeMB: 8, RegionTTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to create cached accessor: %v", err)
	}
	t.Cleanup(func() { acc.Close() })
	return acc, counting
}

func TestReadRegionCachesRepeatReads(t *testing.T) {
	acc, counting := newTestAccessor(t)
	region := geom.NewRect(8, 8, 16, 16)

	first, err := acc.ReadRegion(context.Background(), 0, region)
	if err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	second, err := acc.ReadRegion(context.Background(), 0, region)
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}

	if got := counting.reads.Load(); got != 1 {
		t.Errorf("expected 1 backing read, got %d", got)
	}
	if len(first.Data) != len(second.Data) {
		t.Fatalf("cached read returned %d bytes, want %d", len(second.Data), len(first.Data))
	}
	for i := range first.Data {
		if first.Data[i] != second.Data[i] {
			t.Fatalf("cached read differs at offset %d", i)
		}
	}
}

func TestReadRegionDistinguishesRegions(t *testing.T) {
	acc, counting := newTestAccessor(t)

	if _, err := acc.ReadRegion(context.Background(), 0, geom.NewRect(0, 0, 8, 8)); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if _, err := acc.ReadRegion(context.Background(), 0, geom.NewRect(8, 0, 8, 8)); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if got := counting.reads.Load(); got != 2 {
		t.Errorf("expected 2 backing reads for distinct regions, got %d", got)
	}
}

func TestFailedReadsAreNotCached(t *testing.T) {
	acc, counting := newTestAccessor(t)
	region := geom.NewRect(0, 0, 8, 8)

	counting.fail.Store(true)
	if _, err := acc.ReadRegion(context.Background(), 0, region); err == nil {
		t.Fatal("expected error from failing backing store")
	}

	// The retry must reach the backing store, not a cached failure.
	counting.fail.Store(false)
	pixels, err := acc.ReadRegion(context.Background(), 0, region)
	if err != nil {
		t.Fatalf("retry after recovery failed: %v", err)
	}
	if len(pixels.Data) != 64 {
		t.Errorf("expected 64 pixels, got %d", len(pixels.Data))
	}
	if got := counting.reads.Load(); got != 2 {
		t.Errorf("expected 2 backing reads, got %d", got)
	}
}
