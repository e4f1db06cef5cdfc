package detect

import (
	"context"
	"math"

	"github.com/wsi-profiles/profiler/internal/geom"
	"github.com/wsi-profiles/profiler/internal/pyramid"
)

// ThresholdSegmenter is the built-in segmentation capability: global
// intensity threshold followed by 8-connected component labeling with
// moment-based shape descriptors. It stands in where no external segmenter
// is injected and drives the synthetic-slide test scenarios.
type ThresholdSegmenter struct {
	// Threshold is the foreground intensity cut. Zero selects the
	// threshold per tile with Otsu's method.
	Threshold uint8
	// MinArea and MaxArea bound accepted component sizes in pixels.
	// Components outside the range are debris or clumps, not cells.
	MinArea int
	MaxArea int
}

// NewThresholdSegmenter returns a segmenter with defaults suitable for
// nucleus-sized objects at typical working resolutions.
func NewThresholdSegmenter() *ThresholdSegmenter {
	return &ThresholdSegmenter{MinArea: 4, MaxArea: 10000}
}

// Segment labels foreground components and reports one candidate per
// component, centroid in tile-local coordinates.
func (s *ThresholdSegmenter) Segment(ctx context.Context, pixels *pyramid.Pixels) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, h := pixels.Rect.Dx(), pixels.Rect.Dy()
	threshold := s.Threshold
	if threshold == 0 {
		threshold = Otsu(pixels.Data)
	}

	maxArea := s.MaxArea
	if maxArea <= 0 {
		maxArea = w * h
	}

	labels := make([]int32, w*h)
	var candidates []Candidate
	next := int32(0)
	stack := make([]int, 0, 256)

	for start := 0; start < w*h; start++ {
		if labels[start] != 0 || pixels.Data[start] < threshold {
			continue
		}
		next++
		stack = append(stack[:0], start)
		labels[start] = next

		var area, sumX, sumY, sumI float64
		var xs, ys []float64
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%w, idx/w

			area++
			sumX += float64(x)
			sumY += float64(y)
			sumI += float64(pixels.Data[idx])
			xs = append(xs, float64(x))
			ys = append(ys, float64(y))

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || nx >= w || ny < 0 || ny >= h {
						continue
					}
					nidx := ny*w + nx
					if labels[nidx] == 0 && pixels.Data[nidx] >= threshold {
						labels[nidx] = next
						stack = append(stack, nidx)
					}
				}
			}
		}

		if int(area) < s.MinArea || int(area) > maxArea {
			continue
		}
		cx, cy := sumX/area, sumY/area
		candidates = append(candidates, Candidate{
			// Centroid lands at the pixel center, not the lattice corner.
			Centroid:      geom.Point{X: cx + 0.5, Y: cy + 0.5},
			Area:          area,
			Eccentricity:  eccentricity(xs, ys, cx, cy),
			MeanIntensity: sumI / area,
		})
	}
	return candidates, nil
}

// eccentricity derives the component's elongation from its second central
// moments.
func eccentricity(xs, ys []float64, cx, cy float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	var mu20, mu02, mu11 float64
	for i := range xs {
		dx, dy := xs[i]-cx, ys[i]-cy
		mu20 += dx * dx
		mu02 += dy * dy
		mu11 += dx * dy
	}
	mu20 /= n
	mu02 /= n
	mu11 /= n

	common := math.Sqrt((mu20-mu02)*(mu20-mu02) + 4*mu11*mu11)
	l1 := (mu20 + mu02 + common) / 2
	l2 := (mu20 + mu02 - common) / 2
	if l1 <= 0 {
		return 0
	}
	if l2 < 0 {
		l2 = 0
	}
	return math.Sqrt(1 - l2/l1)
}

// Otsu picks the threshold maximizing between-class variance of the
// intensity histogram. Exposed for callers that segment rasters where the
// foreground fraction is too large for a mean-based cut.
func Otsu(data []uint8) uint8 {
	var hist [256]float64
	for _, v := range data {
		hist[v]++
	}
	total := float64(len(data))
	if total == 0 {
		return 128
	}

	var sum float64
	for i, c := range hist {
		sum += float64(i) * c
	}

	var sumB, wB float64
	var best float64
	bestT := 128
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * hist[t]
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			bestT = t
		}
	}
	if bestT >= 255 {
		return 255
	}
	return uint8(bestT + 1)
}
