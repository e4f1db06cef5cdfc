package geom

import (
	"math"
	"sort"
)

// Polygon is a closed simple polygon; the edge from the last vertex back to
// the first is implicit.
type Polygon []Point

// Bounds returns the smallest Rect covering the polygon.
func (pg Polygon) Bounds() Rect {
	if len(pg) == 0 {
		return Rect{}
	}
	minX, minY := pg[0].X, pg[0].Y
	maxX, maxY := minX, minY
	for _, p := range pg[1:] {
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	return Rect{
		X0: int(math.Floor(minX)),
		Y0: int(math.Floor(minY)),
		X1: int(math.Ceil(maxX)) + 1,
		Y1: int(math.Ceil(maxY)) + 1,
	}
}

// Contains tests whether a point is inside the polygon using ray casting.
func (pg Polygon) Contains(p Point) bool {
	if len(pg) < 3 {
		return false
	}
	inside := false
	n := len(pg)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		pi, pj := pg[i], pg[j]
		if ((pi.Y > p.Y) != (pj.Y > p.Y)) &&
			(p.X < (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y)+pi.X) {
			inside = !inside
		}
	}
	return inside
}

// BoundaryDistance returns the minimum distance from p to the polygon
// boundary. The distance is unsigned: points inside the polygon report their
// distance to the nearest edge, not zero.
func (pg Polygon) BoundaryDistance(p Point) float64 {
	if len(pg) == 0 {
		return math.Inf(1)
	}
	if len(pg) == 1 {
		return p.Distance(pg[0])
	}
	best := math.Inf(1)
	n := len(pg)
	for i := 0; i < n; i++ {
		d := segmentDistance(p, pg[i], pg[(i+1)%n])
		if d < best {
			best = d
		}
	}
	return best
}

// Area returns the absolute area of the polygon (shoelace formula).
func (pg Polygon) Area() float64 {
	if len(pg) < 3 {
		return 0
	}
	var sum float64
	n := len(pg)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += pg[i].X*pg[j].Y - pg[j].X*pg[i].Y
	}
	return math.Abs(sum) / 2
}

// Centroid returns the average vertex position.
func (pg Polygon) Centroid() Point {
	if len(pg) == 0 {
		return Point{}
	}
	var sx, sy float64
	for _, p := range pg {
		sx += p.X
		sy += p.Y
	}
	n := float64(len(pg))
	return Point{X: sx / n, Y: sy / n}
}

// Scale returns a copy of the polygon with every vertex multiplied by factor.
func (pg Polygon) Scale(factor float64) Polygon {
	out := make(Polygon, len(pg))
	for i, p := range pg {
		out[i] = Point{X: p.X * factor, Y: p.Y * factor}
	}
	return out
}

// Circle returns an n-vertex polygon approximating a circle.
func Circle(center Point, radius float64, n int) Polygon {
	if n < 3 {
		n = 3
	}
	pg := make(Polygon, n)
	for i := 0; i < n; i++ {
		angle := float64(i) * 2 * math.Pi / float64(n)
		pg[i] = Point{
			X: center.X + radius*math.Cos(angle),
			Y: center.Y + radius*math.Sin(angle),
		}
	}
	return pg
}

// ConvexHull computes the convex hull of a set of points using the monotone
// chain algorithm. The result is in counter-clockwise order.
func ConvexHull(points []Point) Polygon {
	if len(points) < 3 {
		return Polygon(points)
	}
	pts := make([]Point, len(points))
	copy(pts, points)
	sortPoints(pts)

	var lower, upper []Point
	for _, p := range pts {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}
	for i := len(pts) - 1; i >= 0; i-- {
		p := pts[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}
	hull := append(lower[:len(lower)-1], upper[:len(upper)-1]...)
	return Polygon(hull)
}

// segmentDistance returns the distance from p to the segment a-b.
func segmentDistance(p, a, b Point) float64 {
	abx := b.X - a.X
	aby := b.Y - a.Y
	lenSq := abx*abx + aby*aby
	if lenSq == 0 {
		return p.Distance(a)
	}
	t := ((p.X-a.X)*abx + (p.Y-a.Y)*aby) / lenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return p.Distance(Point{X: a.X + t*abx, Y: a.Y + t*aby})
}

func cross(o, a, b Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

func sortPoints(pts []Point) {
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].X != pts[j].X {
			return pts[i].X < pts[j].X
		}
		return pts[i].Y < pts[j].Y
	})
}
