package main

import (
	"flag"
	"log"
	"math"
	"math/rand"

	"github.com/wsi-profiles/profiler/internal/pyramid"
)

// synth generates a synthetic slide store: bright circular device footprints
// on a dark background, with dimmer cell-sized dots scattered around them.
// Useful for exercising a full run without scanner data.
func synth(args []string) {
	fs := flag.NewFlagSet("synth", flag.ExitOnError)
	out := fs.String("out", "synthetic-slide", "Output store directory")
	width := fs.Int("width", 8192, "Slide width, pixels")
	height := fs.Int("height", 8192, "Slide height, pixels")
	devices := fs.Int("devices", 3, "Number of devices")
	cells := fs.Int("cells", 5000, "Number of cells")
	mpp := fs.Float64("mpp", 0.5, "Microns per pixel at level 0")
	seed := fs.Int64("seed", 1, "Random seed")
	fs.Parse(args)

	rng := rand.New(rand.NewSource(*seed))
	base := make([]uint8, *width**height)
	for i := range base {
		base[i] = uint8(10 + rng.Intn(12)) // background noise floor
	}

	deviceRadius := float64(minIntSynth(*width, *height)) / float64(4**devices)
	for d := 0; d < *devices; d++ {
		cx := float64(*width) * (0.25 + 0.5*rng.Float64())
		cy := float64(*height) * (0.25 + 0.5*rng.Float64())
		drawDisk(base, *width, *height, cx, cy, deviceRadius, 230)
	}

	for c := 0; c < *cells; c++ {
		cx := rng.Float64() * float64(*width)
		cy := rng.Float64() * float64(*height)
		drawDisk(base, *width, *height, cx, cy, 2.5+2*rng.Float64(), uint8(120+rng.Intn(80)))
	}

	opts := pyramid.BuildOptions{Name: "synthetic", MPP: *mpp}
	if err := pyramid.BuildStore(*out, *width, *height, base, opts); err != nil {
		log.Fatalf("Failed to build synthetic store: %v", err)
	}
	log.Printf("Wrote synthetic slide to %s (%dx%d, %d devices, %d cells)",
		*out, *width, *height, *devices, *cells)
}

func drawDisk(data []uint8, w, h int, cx, cy, r float64, value uint8) {
	x0 := int(math.Floor(cx - r))
	x1 := int(math.Ceil(cx + r))
	y0 := int(math.Floor(cy - r))
	y1 := int(math.Ceil(cy + r))
	for y := y0; y <= y1; y++ {
		if y < 0 || y >= h {
			continue
		}
		for x := x0; x <= x1; x++ {
			if x < 0 || x >= w {
				continue
			}
			dx := float64(x) + 0.5 - cx
			dy := float64(y) + 0.5 - cy
			if dx*dx+dy*dy <= r*r {
				if v := data[y*w+x]; value > v {
					data[y*w+x] = value
				}
			}
		}
	}
}

func minIntSynth(a, b int) int {
	if a < b {
		return a
	}
	return b
}
