// Package tiling decomposes a region of interest into a covering grid of
// tiles, each with an owned core rectangle and an overlapping halo read
// extent.
//
// Core rectangles partition the region: no gaps, no overlap. Only halos
// overlap. A detection is owned by the tile whose core contains its centroid,
// which makes cross-tile deduplication a purely local decision (dedupe.go).
package tiling

import (
	"fmt"

	"github.com/wsi-profiles/profiler/internal/geom"
)

// Tile is one unit of work: a core rectangle whose detections this tile
// owns, and a halo rectangle that is actually read so boundary-straddling
// cells are fully visible. Tiles are immutable after planning.
type Tile struct {
	ID    int       `json:"id"`
	Level int       `json:"level"`
	Core  geom.Rect `json:"core"`
	Halo  geom.Rect `json:"halo"`
}

// Owns reports whether this tile owns a detection centered at p. Exactly one
// tile of a plan owns any point inside the region of interest; the half-open
// core gives centroids on a shared edge to the tile on the lower-coordinate
// side.
func (t Tile) Owns(p geom.Point) bool {
	return t.Core.ContainsPoint(p)
}

// Plan is a deterministic tiling of a region of interest. Replanning with
// the same inputs yields the same tiles in the same order; a plan can be
// traversed any number of times.
type Plan struct {
	Region   geom.Rect
	Level    int
	TileSize int
	Halo     int
	Bounds   geom.Rect // slide extent at Level; halos clip to this
	NumX     int
	NumY     int
}

// NewPlan partitions region into a grid of tileSize cores. Edge cores are
// clipped to the region, never padded, so no tile reads beyond the requested
// region except through its halo. Halos clip to the slide bounds.
func NewPlan(region geom.Rect, bounds geom.Rect, level, tileSize, halo int) (*Plan, error) {
	if tileSize <= 0 {
		return nil, fmt.Errorf("tile size must be positive, got %d", tileSize)
	}
	if halo < 0 {
		return nil, fmt.Errorf("halo width must not be negative, got %d", halo)
	}
	region = region.Intersect(bounds)
	if region.Empty() {
		return &Plan{Region: region, Bounds: bounds, Level: level, TileSize: tileSize, Halo: halo}, nil
	}
	return &Plan{
		Region:   region,
		Bounds:   bounds,
		Level:    level,
		TileSize: tileSize,
		Halo:     halo,
		NumX:     ceilDiv(region.Dx(), tileSize),
		NumY:     ceilDiv(region.Dy(), tileSize),
	}, nil
}

// Len returns the number of tiles in the plan.
func (p *Plan) Len() int { return p.NumX * p.NumY }

// Tile materializes the tile at grid position (tx, ty).
func (p *Plan) Tile(tx, ty int) Tile {
	core := geom.Rect{
		X0: p.Region.X0 + tx*p.TileSize,
		Y0: p.Region.Y0 + ty*p.TileSize,
		X1: p.Region.X0 + (tx+1)*p.TileSize,
		Y1: p.Region.Y0 + (ty+1)*p.TileSize,
	}.Intersect(p.Region)
	return Tile{
		ID:    ty*p.NumX + tx,
		Level: p.Level,
		Core:  core,
		Halo:  core.Expand(p.Halo).Intersect(p.Bounds),
	}
}

// TileByID materializes a tile from its identifier.
func (p *Plan) TileByID(id int) Tile {
	return p.Tile(id%p.NumX, id/p.NumX)
}

// Each walks the plan in row-major order. Returning false stops the walk.
// The sequence is lazy: tiles are materialized one at a time, so a plan over
// an arbitrarily large region costs no memory beyond the current tile.
func (p *Plan) Each(fn func(Tile) bool) {
	for ty := 0; ty < p.NumY; ty++ {
		for tx := 0; tx < p.NumX; tx++ {
			if !fn(p.Tile(tx, ty)) {
				return
			}
		}
	}
}

// Tiles materializes the full plan, mainly for tests and small regions.
func (p *Plan) Tiles() []Tile {
	out := make([]Tile, 0, p.Len())
	p.Each(func(t Tile) bool {
		out = append(out, t)
		return true
	})
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
