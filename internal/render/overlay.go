// Package render draws run overlays using fogleman/gg.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/wsi-profiles/profiler/internal/detect"
	"github.com/wsi-profiles/profiler/internal/device"
	"github.com/wsi-profiles/profiler/internal/geom"
	"github.com/wsi-profiles/profiler/internal/pyramid"
	"github.com/wsi-profiles/profiler/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	MaxWidth  int     // widest output image, pixels
	DotRadius float64 // cell marker radius, pixels
	Colormap  string  // bin colormap name
}

// DefaultConfig returns the renderer defaults.
func DefaultConfig() Config {
	return Config{MaxWidth: 2048, DotRadius: 2, Colormap: "viridis"}
}

// Overlay renders a slide overview with device outlines, distance rings, and
// detected cells colored by their distance bin.
type Overlay struct {
	config     Config
	bufferPool sync.Pool
	cmap       colormap.Colormap
}

// NewOverlay creates an overlay renderer.
func NewOverlay(cfg Config) *Overlay {
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 2048
	}
	if cfg.DotRadius <= 0 {
		cfg.DotRadius = 2
	}
	return &Overlay{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 256*1024))
			},
		},
		cmap: colormap.ByName(cfg.Colormap),
	}
}

// Render produces a PNG of region at the coarsest pyramid level that still
// fits MaxWidth. masks and cells are in workingLevel coordinates; binWidthUm
// and maxDistUm control the dot coloring.
func (o *Overlay) Render(ctx context.Context, acc pyramid.Accessor, region geom.Rect,
	workingLevel int, masks []device.Mask, cells []detect.Cell,
	binWidthUm, maxDistUm float64) ([]byte, error) {

	slide := acc.Slide()
	level := o.overviewLevel(slide, region, workingLevel)

	overview := slide.MapRect(region, workingLevel, level).Intersect(slide.Extent(level))
	pixels, err := acc.ReadRegion(ctx, level, overview)
	if err != nil {
		return nil, fmt.Errorf("read overview level %d: %w", level, err)
	}

	dc := gg.NewContext(overview.Dx(), overview.Dy())
	dc.DrawImage(grayImage(pixels), 0, 0)

	toLocal := func(p geom.Point) geom.Point {
		mapped := slide.MapPoint(p, workingLevel, level)
		return geom.Point{X: mapped.X - float64(overview.X0), Y: mapped.Y - float64(overview.Y0)}
	}

	mpp := slide.MPPAt(workingLevel)
	o.drawDevices(dc, masks, toLocal, binWidthUm, maxDistUm, mpp)
	o.drawCells(dc, masks, cells, toLocal, binWidthUm, maxDistUm, mpp)

	return o.encode(dc.Image())
}

// overviewLevel picks the coarsest level whose mapping of region still fits
// the configured width, preferring coarse levels to keep reads small.
func (o *Overlay) overviewLevel(slide *pyramid.Slide, region geom.Rect, workingLevel int) int {
	level := workingLevel
	for l := workingLevel; l < slide.LevelCount(); l++ {
		mapped := slide.MapRect(region, workingLevel, l)
		level = l
		if mapped.Dx() <= o.config.MaxWidth {
			break
		}
	}
	return level
}

func (o *Overlay) drawDevices(dc *gg.Context, masks []device.Mask,
	toLocal func(geom.Point) geom.Point, binWidthUm, maxDistUm, mpp float64) {

	for i := range masks {
		m := &masks[i]
		outline := colormap.Categorical.AtIndex(m.ID)

		// Distance rings: the boundary pushed outward from the centroid
		// by each bin edge, an approximation that reads well on convex
		// footprints.
		if mpp > 0 && binWidthUm > 0 {
			centroid := m.Boundary.Centroid()
			dc.SetRGBA(0.9, 0.9, 0.9, 0.35)
			dc.SetLineWidth(1)
			for distUm := binWidthUm; distUm <= maxDistUm; distUm += binWidthUm {
				offsetPx := distUm / mpp
				o.strokeOffsetPolygon(dc, m.Boundary, centroid, offsetPx, toLocal)
			}
		}

		dc.SetColor(outline)
		dc.SetLineWidth(2)
		o.strokePolygon(dc, m.Boundary, toLocal)
	}
}

func (o *Overlay) drawCells(dc *gg.Context, masks []device.Mask, cells []detect.Cell,
	toLocal func(geom.Point) geom.Point, binWidthUm, maxDistUm, mpp float64) {

	if mpp <= 0 || binWidthUm <= 0 {
		return
	}
	numBins := int(maxDistUm / binWidthUm)
	if numBins < 1 {
		numBins = 1
	}

	for i := range cells {
		minDist := -1.0
		for j := range masks {
			if d := masks[j].BoundaryDistance(cells[i].Centroid); minDist < 0 || d < minDist {
				minDist = d
			}
		}
		distUm := minDist * mpp
		if minDist < 0 || distUm >= maxDistUm {
			// Out-of-range cells render faint so coverage gaps stay
			// visible without dominating the picture.
			dc.SetRGBA(1, 1, 1, 0.25)
		} else {
			bin := int(distUm / binWidthUm)
			dc.SetColor(o.cmap.At(float64(bin) / float64(numBins)))
		}
		p := toLocal(cells[i].Centroid)
		dc.DrawCircle(p.X, p.Y, o.config.DotRadius)
		dc.Fill()
	}
}

func (o *Overlay) strokePolygon(dc *gg.Context, poly geom.Polygon, toLocal func(geom.Point) geom.Point) {
	if len(poly) < 2 {
		return
	}
	dc.NewSubPath()
	for _, p := range poly {
		lp := toLocal(p)
		dc.LineTo(lp.X, lp.Y)
	}
	dc.ClosePath()
	dc.Stroke()
}

func (o *Overlay) strokeOffsetPolygon(dc *gg.Context, poly geom.Polygon, centroid geom.Point,
	offsetPx float64, toLocal func(geom.Point) geom.Point) {

	if len(poly) < 2 {
		return
	}
	dc.NewSubPath()
	for _, p := range poly {
		d := centroid.Distance(p)
		if d == 0 {
			continue
		}
		scale := (d + offsetPx) / d
		lp := toLocal(geom.Point{
			X: centroid.X + (p.X-centroid.X)*scale,
			Y: centroid.Y + (p.Y-centroid.Y)*scale,
		})
		dc.LineTo(lp.X, lp.Y)
	}
	dc.ClosePath()
	dc.Stroke()
}

func (o *Overlay) encode(img image.Image) ([]byte, error) {
	buf := o.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		o.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func grayImage(pixels *pyramid.Pixels) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, pixels.Rect.Dx(), pixels.Rect.Dy()))
	copy(img.Pix, pixels.Data)
	return img
}
