// Package pyramid provides read access to multiresolution whole-slide images.
//
// A slide is exposed through the Accessor interface: random-access region
// reads at any pyramid level, level selection for a target resolution, and
// coordinate mapping between levels. The concrete backing format sits behind
// the interface; this package ships a chunked on-disk store (store.go) and an
// in-memory slide for synthetic data (memory.go).
package pyramid

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/wsi-profiles/profiler/internal/geom"
)

// ErrBounds is returned when a requested region lies outside the slide
// extent at the given level. Callers that want clamping clip explicitly.
var ErrBounds = errors.New("region outside slide bounds")

// ErrDecode is returned when backing data for a region cannot be read or
// decoded. Per-tile decode failures are recoverable: the tile is marked
// failed and the run continues.
var ErrDecode = errors.New("region decode failed")

// BoundsError describes an out-of-bounds region request.
type BoundsError struct {
	Level  int
	Region geom.Rect
	Extent geom.Rect
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("region %+v outside level %d extent %+v", e.Region, e.Level, e.Extent)
}

func (e *BoundsError) Unwrap() error { return ErrBounds }

// DecodeError describes a failed region read.
type DecodeError struct {
	Level  int
	Region geom.Rect
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode region %+v at level %d: %v", e.Region, e.Level, e.Err)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// Level describes one pyramid level.
type Level struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Downsample float64 `json:"downsample"` // factor relative to level 0
}

// Slide holds the immutable metadata of a multiresolution image.
type Slide struct {
	Name   string  `json:"name"`
	Levels []Level `json:"levels"`
	// MPP is the micron-per-pixel calibration at level 0. Zero means
	// uncalibrated; distance binning refuses to run without it.
	MPP float64 `json:"mpp"`
}

// LevelCount returns the number of pyramid levels.
func (s *Slide) LevelCount() int { return len(s.Levels) }

// Extent returns the full rectangle of the slide at the given level.
func (s *Slide) Extent(level int) geom.Rect {
	if level < 0 || level >= len(s.Levels) {
		return geom.Rect{}
	}
	return geom.NewRect(0, 0, s.Levels[level].Width, s.Levels[level].Height)
}

// LevelFor returns the index of the lowest-resolution level whose
// micron-per-pixel value does not exceed targetMPP; level 0 if the target is
// finer than the base resolution.
func (s *Slide) LevelFor(targetMPP float64) int {
	if s.MPP <= 0 || targetMPP <= 0 {
		return 0
	}
	best := 0
	for i, lv := range s.Levels {
		if s.MPP*lv.Downsample <= targetMPP {
			best = i
		}
	}
	return best
}

// MPPAt returns the micron-per-pixel calibration at the given level.
func (s *Slide) MPPAt(level int) float64 {
	if level < 0 || level >= len(s.Levels) {
		return 0
	}
	return s.MPP * s.Levels[level].Downsample
}

// MapPoint maps a point from one level's coordinate space to another's.
func (s *Slide) MapPoint(p geom.Point, fromLevel, toLevel int) geom.Point {
	f := s.mapFactor(fromLevel, toLevel)
	return geom.Point{X: p.X * f, Y: p.Y * f}
}

// MapRect maps a rectangle between levels. The result covers at least the
// source rectangle (outward rounding).
func (s *Slide) MapRect(r geom.Rect, fromLevel, toLevel int) geom.Rect {
	f := s.mapFactor(fromLevel, toLevel)
	return geom.Rect{
		X0: int(math.Floor(float64(r.X0) * f)),
		Y0: int(math.Floor(float64(r.Y0) * f)),
		X1: int(math.Ceil(float64(r.X1) * f)),
		Y1: int(math.Ceil(float64(r.Y1) * f)),
	}
}

func (s *Slide) mapFactor(fromLevel, toLevel int) float64 {
	if fromLevel == toLevel {
		return 1
	}
	if fromLevel < 0 || fromLevel >= len(s.Levels) || toLevel < 0 || toLevel >= len(s.Levels) {
		return 1
	}
	return s.Levels[fromLevel].Downsample / s.Levels[toLevel].Downsample
}

// Pixels is a single-channel intensity raster for a region of the slide.
// Values are 0-255 grayscale; Rect records where in the level the pixels
// came from.
type Pixels struct {
	Rect  geom.Rect
	Level int
	Data  []uint8 // row-major, len == Rect.Dx()*Rect.Dy()
}

// At returns the intensity at slide-level coordinates (x, y), which must lie
// within Rect.
func (p *Pixels) At(x, y int) uint8 {
	return p.Data[(y-p.Rect.Y0)*p.Rect.Dx()+(x-p.Rect.X0)]
}

// Accessor is the read interface to a pyramidal slide. Implementations must
// be safe for concurrent use by multiple tile workers.
type Accessor interface {
	// Slide returns the immutable slide metadata.
	Slide() *Slide
	// ReadRegion reads a region at the given level. The region must lie
	// within the level extent; out-of-bounds requests fail with a
	// BoundsError, never silently clamp.
	ReadRegion(ctx context.Context, level int, region geom.Rect) (*Pixels, error)
	// Close releases backing resources.
	Close() error
}

// CheckBounds validates a region request against the slide extent, returning
// a BoundsError on violation.
func CheckBounds(s *Slide, level int, region geom.Rect) error {
	if level < 0 || level >= s.LevelCount() {
		return &BoundsError{Level: level, Region: region, Extent: geom.Rect{}}
	}
	extent := s.Extent(level)
	if region.Empty() || !region.In(extent) {
		return &BoundsError{Level: level, Region: region, Extent: extent}
	}
	return nil
}
