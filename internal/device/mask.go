// Package device localizes microdevice footprints on a slide and exposes
// them as immutable masks.
package device

import (
	"github.com/wsi-profiles/profiler/internal/geom"
)

// Mask is the footprint of one microdevice at the working resolution.
// Created once per slide by the Localizer, read-only afterwards. Masks on a
// slide never overlap: overlapping detections are merged before IDs are
// assigned.
type Mask struct {
	// ID is stable across runs: masks are ordered by ascending top-left
	// coordinate (y, then x) before numbering.
	ID int `json:"id"`
	// Boundary is the footprint outline in working-level pixel
	// coordinates.
	Boundary geom.Polygon `json:"boundary"`
	// Bounds is the bounding rectangle of the boundary.
	Bounds geom.Rect `json:"bounds"`
	// Level is the pyramid level the coordinates refer to.
	Level int `json:"level"`
}

// BoundaryDistance returns the minimum distance in working-level pixels from
// p to the mask boundary. Unsigned: a point inside the footprint reports its
// distance to the nearest edge.
func (m *Mask) BoundaryDistance(p geom.Point) float64 {
	return m.Boundary.BoundaryDistance(p)
}

// Contains reports whether p lies within the footprint.
func (m *Mask) Contains(p geom.Point) bool {
	return m.Boundary.Contains(p)
}

// Intersects reports whether the mask's extent intersects a rectangle. Used
// to select the masks relevant to one tile's halo.
func (m *Mask) Intersects(r geom.Rect) bool {
	return m.Bounds.Intersects(r)
}
