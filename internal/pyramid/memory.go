package pyramid

import (
	"context"

	"github.com/wsi-profiles/profiler/internal/geom"
)

// MemorySlide is an Accessor over rasters held fully in memory. It backs
// synthetic slides in tests and the slide generator; production slides go
// through Store.
type MemorySlide struct {
	slide  *Slide
	levels [][]uint8
}

// NewMemorySlide creates a single-level in-memory slide from a grayscale
// raster.
func NewMemorySlide(name string, width, height int, mpp float64, data []uint8) *MemorySlide {
	return &MemorySlide{
		slide: &Slide{
			Name:   name,
			MPP:    mpp,
			Levels: []Level{{Width: width, Height: height, Downsample: 1}},
		},
		levels: [][]uint8{data},
	}
}

// AddLevel appends a downsampled level. The caller supplies the raster;
// downsample is relative to level 0.
func (m *MemorySlide) AddLevel(width, height int, downsample float64, data []uint8) {
	m.slide.Levels = append(m.slide.Levels, Level{Width: width, Height: height, Downsample: downsample})
	m.levels = append(m.levels, data)
}

// Slide returns the slide metadata.
func (m *MemorySlide) Slide() *Slide { return m.slide }

// ReadRegion copies out the requested region. Fails with a BoundsError when
// the region leaves the level extent.
func (m *MemorySlide) ReadRegion(ctx context.Context, level int, region geom.Rect) (*Pixels, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := CheckBounds(m.slide, level, region); err != nil {
		return nil, err
	}
	src := m.levels[level]
	stride := m.slide.Levels[level].Width
	out := make([]uint8, region.Dx()*region.Dy())
	for y := region.Y0; y < region.Y1; y++ {
		copy(out[(y-region.Y0)*region.Dx():(y-region.Y0+1)*region.Dx()],
			src[y*stride+region.X0:y*stride+region.X1])
	}
	return &Pixels{Rect: region, Level: level, Data: out}, nil
}

// Close is a no-op for in-memory slides.
func (m *MemorySlide) Close() error { return nil }
