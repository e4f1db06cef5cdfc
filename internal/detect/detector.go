// Package detect turns tile pixel data into cell detections.
//
// The segmentation algorithm itself is an injected capability (Segmenter);
// this package owns what surrounds it: coordinate translation from tile-local
// to slide coordinates, removal of border artifacts outside the halo, tile
// identity, and the core-ownership rule that deduplicates detections in the
// overlap between adjacent tiles.
package detect

import (
	"context"
	"fmt"

	"github.com/wsi-profiles/profiler/internal/geom"
	"github.com/wsi-profiles/profiler/internal/pyramid"
	"github.com/wsi-profiles/profiler/internal/tiling"
)

// Candidate is a raw segmentation result in tile-local coordinates.
type Candidate struct {
	Centroid      geom.Point // relative to the pixel array origin
	Area          float64    // pixels
	Eccentricity  float64    // 0 (circle) .. 1 (line)
	MeanIntensity float64    // 0..255
}

// Segmenter is the external segmentation capability: pixels in, candidates
// out. Implementations must be safe for concurrent use by tile workers.
type Segmenter interface {
	Segment(ctx context.Context, pixels *pyramid.Pixels) ([]Candidate, error)
}

// Cell is a detection promoted to slide coordinates at the working level.
type Cell struct {
	Centroid      geom.Point `json:"centroid"`
	Area          float64    `json:"area"`
	Eccentricity  float64    `json:"eccentricity"`
	MeanIntensity float64    `json:"mean_intensity"`
	TileID        int        `json:"tile_id"`
}

// Detector wraps a Segmenter with the per-tile bookkeeping the pipeline
// relies on.
type Detector struct {
	seg Segmenter
}

// NewDetector creates a detector around a segmentation capability.
func NewDetector(seg Segmenter) *Detector {
	return &Detector{seg: seg}
}

// Detect runs segmentation on a tile's halo pixels and returns cells in
// slide coordinates. Candidates whose centroid falls outside the halo
// rectangle are border artifacts of the segmenter and are dropped.
func (d *Detector) Detect(ctx context.Context, tile tiling.Tile, pixels *pyramid.Pixels) ([]Cell, error) {
	candidates, err := d.seg.Segment(ctx, pixels)
	if err != nil {
		return nil, fmt.Errorf("segment tile %d: %w", tile.ID, err)
	}

	cells := make([]Cell, 0, len(candidates))
	for _, c := range candidates {
		centroid := geom.Point{
			X: c.Centroid.X + float64(pixels.Rect.X0),
			Y: c.Centroid.Y + float64(pixels.Rect.Y0),
		}
		if !tile.Halo.ContainsPoint(centroid) {
			continue
		}
		cells = append(cells, Cell{
			Centroid:      centroid,
			Area:          c.Area,
			Eccentricity:  c.Eccentricity,
			MeanIntensity: c.MeanIntensity,
			TileID:        tile.ID,
		})
	}
	return cells, nil
}

// Dedupe keeps only the cells this tile owns: those whose centroid lies in
// the tile's core rectangle. Since cores partition the region of interest,
// every cell in the overlap halo is owned by exactly one tile, and no tile
// needs to see any other tile's results.
func Dedupe(tile tiling.Tile, cells []Cell) []Cell {
	owned := cells[:0]
	for _, c := range cells {
		if tile.Owns(c.Centroid) {
			owned = append(owned, c)
		}
	}
	return owned
}
