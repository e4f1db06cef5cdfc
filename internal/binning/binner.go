// Package binning assigns deduplicated cells to distance-from-device bins.
package binning

import (
	"fmt"
	"math"

	"github.com/wsi-profiles/profiler/internal/detect"
	"github.com/wsi-profiles/profiler/internal/device"
	"github.com/wsi-profiles/profiler/internal/profile"
)

// Binner computes calibrated distances and bin assignments. Distances are in
// microns, converted with the working level's micron-per-pixel value, so
// profiles from slides scanned at different resolutions stay comparable.
type Binner struct {
	BinWidth    float64 // microns
	MaxDistance float64 // microns; at or beyond is out-of-range
	MPP         float64 // microns per pixel at the working level
	PerDevice   bool
}

// NewBinner validates and builds a binner.
func NewBinner(binWidth, maxDistance, mpp float64, perDevice bool) (*Binner, error) {
	if binWidth <= 0 {
		return nil, fmt.Errorf("bin width must be positive, got %g", binWidth)
	}
	if maxDistance <= 0 {
		return nil, fmt.Errorf("max distance must be positive, got %g", maxDistance)
	}
	if mpp <= 0 {
		return nil, fmt.Errorf("slide has no micron-per-pixel calibration")
	}
	return &Binner{BinWidth: binWidth, MaxDistance: maxDistance, MPP: mpp, PerDevice: perDevice}, nil
}

// NumBins returns the number of distance bins up to the cutoff.
func (b *Binner) NumBins() int {
	return int(math.Ceil(b.MaxDistance / b.BinWidth))
}

// Bin assigns each cell of one tile to the distance bin of its nearest
// device and returns the tile's partial statistics. masks must include every
// device within the cutoff of the tile; cells farther than the cutoff from
// all of them are counted as out-of-range, never folded into the last bin.
func (b *Binner) Bin(tileID int, cells []detect.Cell, masks []*device.Mask) *profile.Partial {
	p := profile.NewPartial(tileID)
	for _, cell := range cells {
		nearest := -1
		minDist := math.Inf(1)
		for _, m := range masks {
			if d := m.BoundaryDistance(cell.Centroid); d < minDist {
				minDist = d
				nearest = m.ID
			}
		}

		distUm := minDist * b.MPP
		if nearest < 0 || distUm >= b.MaxDistance {
			p.OutOfRange++
			continue
		}

		bin := int(distUm / b.BinWidth)
		p.Add(profile.Pooled, bin, cell.Area, cell.Eccentricity, cell.MeanIntensity)
		if b.PerDevice {
			p.Add(nearest, bin, cell.Area, cell.Eccentricity, cell.MeanIntensity)
		}
	}
	return p
}
