package device

import (
	"context"
	"fmt"
	"log"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/wsi-profiles/profiler/internal/config"
	"github.com/wsi-profiles/profiler/internal/detect"
	"github.com/wsi-profiles/profiler/internal/geom"
	"github.com/wsi-profiles/profiler/internal/pyramid"
)

// Localizer finds microdevice footprints. It works in two passes: a cheap
// threshold scan of a coarse pyramid level produces candidate blobs, which
// are then re-read and re-segmented at the working level within a bounded
// margin around each coarse footprint.
type Localizer struct {
	acc pyramid.Accessor
	cfg config.DeviceConfig
}

// NewLocalizer creates a localizer over a slide.
func NewLocalizer(acc pyramid.Accessor, cfg config.DeviceConfig) *Localizer {
	return &Localizer{acc: acc, cfg: cfg}
}

// blob is a coarse-pass candidate.
type blob struct {
	points []geom.Point // foreground boundary samples, coarse coords
	bounds geom.Rect
	area   float64 // pixels
}

// Localize returns the device masks of the slide at workingLevel, ordered by
// ascending top-left coordinate (y, then x). Finding no devices is not an
// error; the caller gets an empty set and an empty profile downstream.
func (l *Localizer) Localize(ctx context.Context, workingLevel int) ([]Mask, error) {
	slide := l.acc.Slide()
	coarseLevel := slide.LevelFor(l.cfg.CoarseMPP)

	pixels, err := l.acc.ReadRegion(ctx, coarseLevel, slide.Extent(coarseLevel))
	if err != nil {
		return nil, fmt.Errorf("read coarse level %d: %w", coarseLevel, err)
	}

	coarseMPP := slide.MPPAt(coarseLevel)
	minAreaPx := l.cfg.MinArea
	if coarseMPP > 0 {
		minAreaPx = l.cfg.MinArea / (coarseMPP * coarseMPP)
	}

	blobs := l.findBlobs(pixels, minAreaPx)
	log.Printf("[Localizer] coarse pass: %d candidate blob(s) at level %d", len(blobs), coarseLevel)

	masks := make([]Mask, 0, len(blobs))
	for _, b := range blobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := l.refine(ctx, b, coarseLevel, workingLevel)
		if err != nil {
			return nil, err
		}
		if len(m.Boundary) >= 3 {
			masks = append(masks, m)
		}
	}

	masks = l.mergeOverlapping(masks)

	sort.Slice(masks, func(i, j int) bool {
		if masks[i].Bounds.Y0 != masks[j].Bounds.Y0 {
			return masks[i].Bounds.Y0 < masks[j].Bounds.Y0
		}
		return masks[i].Bounds.X0 < masks[j].Bounds.X0
	})
	for i := range masks {
		masks[i].ID = i
	}

	log.Printf("[Localizer] %d device mask(s) after refine and merge", len(masks))
	return masks, nil
}

// findBlobs thresholds the coarse raster and labels 8-connected foreground
// components, keeping those that pass the area and solidity rules.
func (l *Localizer) findBlobs(pixels *pyramid.Pixels, minAreaPx float64) []blob {
	w, h := pixels.Rect.Dx(), pixels.Rect.Dy()
	threshold := robustThreshold(pixels.Data)

	labels := make([]int32, w*h)
	var blobs []blob
	next := int32(0)
	stack := make([]int, 0, 1024)

	for start := 0; start < w*h; start++ {
		if labels[start] != 0 || pixels.Data[start] < threshold {
			continue
		}
		next++
		stack = append(stack[:0], start)
		labels[start] = next

		var b blob
		b.bounds = geom.Rect{X0: w, Y0: h}
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%w, idx/w

			b.area++
			b.bounds = b.bounds.Union(geom.NewRect(x, y, 1, 1))

			onEdge := false
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || nx >= w || ny < 0 || ny >= h {
						onEdge = true
						continue
					}
					nidx := ny*w + nx
					if pixels.Data[nidx] < threshold {
						onEdge = true
					} else if labels[nidx] == 0 {
						labels[nidx] = next
						stack = append(stack, nidx)
					}
				}
			}
			if onEdge {
				b.points = append(b.points, geom.Point{X: float64(x), Y: float64(y)})
			}
		}

		if b.area < minAreaPx {
			continue
		}
		hull := geom.ConvexHull(b.points)
		hullArea := hull.Area()
		if hullArea > 0 && b.area/hullArea < l.cfg.MinSolidity {
			// Ragged outline: tissue fold or debris, not a device.
			continue
		}
		blobs = append(blobs, b)
	}
	return blobs
}

// refine re-reads the blob neighborhood at the working level and rebuilds
// the footprint boundary from the high-resolution foreground.
func (l *Localizer) refine(ctx context.Context, b blob, coarseLevel, workingLevel int) (Mask, error) {
	slide := l.acc.Slide()
	region := slide.MapRect(b.bounds, coarseLevel, workingLevel).
		Expand(l.cfg.RefineMargin).
		Intersect(slide.Extent(workingLevel))

	pixels, err := l.acc.ReadRegion(ctx, workingLevel, region)
	if err != nil {
		return Mask{}, fmt.Errorf("refine device region %+v: %w", region, err)
	}

	// The footprint dominates the refine window, so a mean-based cut
	// lands above the foreground; Otsu separates the two modes.
	threshold := detect.Otsu(pixels.Data)
	w, h := region.Dx(), region.Dy()
	var points []geom.Point
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if pixels.Data[y*w+x] < threshold {
				continue
			}
			if !onForegroundEdge(pixels.Data, w, h, x, y, threshold) {
				continue
			}
			points = append(points, geom.Point{
				X: float64(region.X0 + x),
				Y: float64(region.Y0 + y),
			})
		}
	}

	boundary := geom.ConvexHull(points)
	return Mask{
		Boundary: boundary,
		Bounds:   boundary.Bounds(),
		Level:    workingLevel,
	}, nil
}

// mergeOverlapping collapses masks whose footprints overlap beyond the
// configured fraction of the smaller footprint, so a device straddling two
// coarse blobs is never double-counted.
func (l *Localizer) mergeOverlapping(masks []Mask) []Mask {
	merged := true
	for merged {
		merged = false
		for i := 0; i < len(masks) && !merged; i++ {
			for j := i + 1; j < len(masks); j++ {
				if !l.shouldMerge(&masks[i], &masks[j]) {
					continue
				}
				boundary := geom.ConvexHull(append(append([]geom.Point{}, masks[i].Boundary...), masks[j].Boundary...))
				masks[i] = Mask{
					Boundary: boundary,
					Bounds:   boundary.Bounds(),
					Level:    masks[i].Level,
				}
				masks = append(masks[:j], masks[j+1:]...)
				merged = true
				break
			}
		}
	}
	return masks
}

func (l *Localizer) shouldMerge(a, b *Mask) bool {
	overlap := a.Bounds.Intersect(b.Bounds).Area()
	if overlap == 0 {
		return false
	}
	smaller := a.Bounds.Area()
	if ba := b.Bounds.Area(); ba < smaller {
		smaller = ba
	}
	if smaller == 0 {
		return false
	}
	return float64(overlap)/float64(smaller) >= l.cfg.MergeOverlap
}

// robustThreshold separates device foreground from tissue background as two
// standard deviations above the mean intensity, bounded away from the
// extremes so a blank or saturated raster cannot produce a degenerate cut.
func robustThreshold(data []uint8) uint8 {
	if len(data) == 0 {
		return 255
	}
	samples := make([]float64, len(data))
	for i, v := range data {
		samples[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(samples, nil)
	t := mean + 2*std
	if t < 16 {
		t = 16
	}
	if t > 250 {
		t = 250
	}
	return uint8(t)
}

func onForegroundEdge(data []uint8, w, h, x, y int, threshold uint8) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nx, ny := x+dx, y+dy
			if nx < 0 || nx >= w || ny < 0 || ny >= h {
				return true
			}
			if data[ny*w+nx] < threshold {
				return true
			}
		}
	}
	return false
}
