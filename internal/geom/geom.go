// Package geom provides the small set of geometric value types shared by the
// profiling pipeline: points, half-open pixel rectangles and polygons.
package geom

import "math"

// Point is a 2D point in slide pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance to another point.
func (p Point) Distance(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Rect is a half-open pixel rectangle [X0,X1) x [Y0,Y1).
// The half-open convention is what makes tile cores partition a region
// without overlap: a point on a shared edge belongs to exactly one side.
type Rect struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// NewRect returns the rectangle with origin (x, y) and the given size.
func NewRect(x, y, w, h int) Rect {
	return Rect{X0: x, Y0: y, X1: x + w, Y1: y + h}
}

// Dx returns the width of the rectangle.
func (r Rect) Dx() int { return r.X1 - r.X0 }

// Dy returns the height of the rectangle.
func (r Rect) Dy() int { return r.Y1 - r.Y0 }

// Area returns the pixel area of the rectangle.
func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}

// Empty reports whether the rectangle contains no pixels.
func (r Rect) Empty() bool { return r.X0 >= r.X1 || r.Y0 >= r.Y1 }

// Contains reports whether the pixel (x, y) lies inside the rectangle.
func (r Rect) Contains(x, y int) bool {
	return x >= r.X0 && x < r.X1 && y >= r.Y0 && y < r.Y1
}

// ContainsPoint reports whether a continuous point lies inside the half-open
// rectangle. A point exactly on the X1 or Y1 edge is outside; a point exactly
// on the X0 or Y0 edge is inside. This is the tile-ownership tie-break.
func (r Rect) ContainsPoint(p Point) bool {
	return p.X >= float64(r.X0) && p.X < float64(r.X1) &&
		p.Y >= float64(r.Y0) && p.Y < float64(r.Y1)
}

// Intersect returns the intersection of two rectangles. The result is empty
// if they do not overlap.
func (r Rect) Intersect(other Rect) Rect {
	out := Rect{
		X0: maxInt(r.X0, other.X0),
		Y0: maxInt(r.Y0, other.Y0),
		X1: minInt(r.X1, other.X1),
		Y1: minInt(r.Y1, other.Y1),
	}
	if out.Empty() {
		return Rect{}
	}
	return out
}

// Intersects reports whether two rectangles share at least one pixel.
func (r Rect) Intersects(other Rect) bool {
	return !r.Intersect(other).Empty()
}

// Union returns the smallest rectangle containing both rectangles.
func (r Rect) Union(other Rect) Rect {
	if r.Empty() {
		return other
	}
	if other.Empty() {
		return r
	}
	return Rect{
		X0: minInt(r.X0, other.X0),
		Y0: minInt(r.Y0, other.Y0),
		X1: maxInt(r.X1, other.X1),
		Y1: maxInt(r.Y1, other.Y1),
	}
}

// Expand grows the rectangle by margin pixels on every side.
func (r Rect) Expand(margin int) Rect {
	return Rect{X0: r.X0 - margin, Y0: r.Y0 - margin, X1: r.X1 + margin, Y1: r.Y1 + margin}
}

// Center returns the center of the rectangle.
func (r Rect) Center() Point {
	return Point{
		X: float64(r.X0) + float64(r.Dx())/2,
		Y: float64(r.Y0) + float64(r.Dy())/2,
	}
}

// In reports whether r lies entirely within outer.
func (r Rect) In(outer Rect) bool {
	if r.Empty() {
		return true
	}
	return r.X0 >= outer.X0 && r.Y0 >= outer.Y0 && r.X1 <= outer.X1 && r.Y1 <= outer.Y1
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
