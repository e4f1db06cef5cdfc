// Package profile accumulates per-bin cell statistics and assembles the
// final slide-level profile.
//
// Accumulation is built on (count, sum, sum-of-squares) triples. Float
// addition is not associative, so tiles are not folded in completion order:
// workers publish immutable partials, and finalization folds them in
// ascending tile order. Tile plans are deterministic, so the folded sums are
// bit-for-bit identical no matter which tiles finished first.
package profile

import (
	"fmt"
	"sort"
	"sync"
)

// Pooled is the device key for statistics pooled across all devices.
const Pooled = -1

// Moments is a streaming (count, sum, sum-of-squares) accumulator for one
// morphology descriptor.
type Moments struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	SumSq float64 `json:"sum_sq"`
}

// Add folds one observation into the accumulator.
func (m *Moments) Add(v float64) {
	m.Count++
	m.Sum += v
	m.SumSq += v * v
}

// Merge folds another accumulator into this one.
func (m *Moments) Merge(other Moments) {
	m.Count += other.Count
	m.Sum += other.Sum
	m.SumSq += other.SumSq
}

// Mean returns the accumulated mean, or 0 for an empty accumulator.
func (m *Moments) Mean() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

// Variance returns the population variance, or 0 for fewer than two
// observations. Clamped at zero against floating-point cancellation.
func (m *Moments) Variance() float64 {
	if m.Count < 2 {
		return 0
	}
	n := float64(m.Count)
	v := m.SumSq/n - (m.Sum/n)*(m.Sum/n)
	if v < 0 {
		return 0
	}
	return v
}

// BinStats accumulates one distance bin for one device (or pooled).
type BinStats struct {
	Count     int64   `json:"count"`
	Area      Moments `json:"area"`
	Ecc       Moments `json:"eccentricity"`
	Intensity Moments `json:"intensity"`
}

// Merge adds another bin's accumulators into this one.
func (b *BinStats) Merge(other *BinStats) {
	b.Count += other.Count
	b.Area.Merge(other.Area)
	b.Ecc.Merge(other.Ecc)
	b.Intensity.Merge(other.Intensity)
}

// BinKey identifies one accumulated bin: a device (or Pooled) and a distance
// bin index.
type BinKey struct {
	Device int
	Bin    int
}

// Partial is one tile's contribution: immutable once the tile worker hands
// it to the aggregator.
type Partial struct {
	TileID     int
	Bins       map[BinKey]*BinStats
	OutOfRange int64
}

// NewPartial creates an empty partial result for a tile.
func NewPartial(tileID int) *Partial {
	return &Partial{TileID: tileID, Bins: make(map[BinKey]*BinStats)}
}

// Add records one cell observation under a device/bin key.
func (p *Partial) Add(device, bin int, area, ecc, intensity float64) {
	key := BinKey{Device: device, Bin: bin}
	bs := p.Bins[key]
	if bs == nil {
		bs = &BinStats{}
		p.Bins[key] = bs
	}
	bs.Count++
	bs.Area.Add(area)
	bs.Ecc.Add(ecc)
	bs.Intensity.Add(intensity)
}

// Aggregator collects completed tiles. Workers publish immutable partials in
// whatever order they finish; Merge just retains them, and Finalize folds
// the sums in ascending tile order so the result does not depend on worker
// scheduling.
type Aggregator struct {
	mu        sync.Mutex
	partials  []*Partial
	attempted int
	succeeded int
	failed    []TileFailure
}

// TileFailure records one excluded tile.
type TileFailure struct {
	TileID int    `json:"tile_id"`
	Reason string `json:"reason"`
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Merge accepts a completed tile's partial. The partial must not be mutated
// afterwards; folding is deferred to Finalize.
func (a *Aggregator) Merge(p *Partial) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempted++
	a.succeeded++
	a.partials = append(a.partials, p)
}

// RecordFailure excludes a tile from the statistics and remembers why.
func (a *Aggregator) RecordFailure(tileID int, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempted++
	a.failed = append(a.failed, TileFailure{TileID: tileID, Reason: reason})
}

// Row is one finalized profile row.
type Row struct {
	// Device is the device identifier, or Pooled.
	Device int `json:"device"`
	// Lower and Upper bound the distance bin in microns, half-open.
	Lower float64 `json:"lower_um"`
	Upper float64 `json:"upper_um"`

	Count         int64   `json:"count"`
	MeanArea      float64 `json:"mean_area"`
	VarArea       float64 `json:"var_area"`
	MeanEcc       float64 `json:"mean_eccentricity"`
	VarEcc        float64 `json:"var_eccentricity"`
	MeanIntensity float64 `json:"mean_intensity"`
	VarIntensity  float64 `json:"var_intensity"`
}

// Coverage summarizes how much of the intended region made it into the
// statistics. A degraded-coverage run is not an error, but consumers are
// expected to check Fraction before trusting the numbers.
type Coverage struct {
	TilesAttempted int           `json:"tiles_attempted"`
	TilesSucceeded int           `json:"tiles_succeeded"`
	TilesFailed    int           `json:"tiles_failed"`
	Failures       []TileFailure `json:"failures,omitempty"`
	Fraction       float64       `json:"fraction"`
	OutOfRange     int64         `json:"out_of_range_cells"`
	DeviceCount    int           `json:"device_count"`
}

// Profile is the final output: one ordered row per (device, bin), devices
// first and pooled rows last, plus coverage metadata. Immutable after
// construction.
type Profile struct {
	Slide    string   `json:"slide"`
	BinWidth float64  `json:"bin_width_um"`
	MaxDist  float64  `json:"max_distance_um"`
	Rows     []Row    `json:"rows"`
	Coverage Coverage `json:"coverage"`
}

// Finalize converts the accumulated sums into a Profile. Every (device, bin)
// combination up to numBins appears exactly once, zero-count bins included,
// so the output shape is independent of which bins happened to receive
// cells. perDevice controls whether per-device rows accompany the pooled
// rows.
func (a *Aggregator) Finalize(slideName string, deviceIDs []int, binWidth, maxDist float64, numBins int, perDevice bool) *Profile {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Canonical fold order: ascending tile ID, never completion order. A
	// (device, bin) cell is touched at most once per tile, so the addition
	// sequence into each cell is fully determined by the plan.
	sort.Slice(a.partials, func(i, j int) bool { return a.partials[i].TileID < a.partials[j].TileID })
	bins := make(map[BinKey]*BinStats)
	var outOfRange int64
	for _, p := range a.partials {
		outOfRange += p.OutOfRange
		for key, bs := range p.Bins {
			cur := bins[key]
			if cur == nil {
				cur = &BinStats{}
				bins[key] = cur
			}
			cur.Merge(bs)
		}
	}

	devices := []int{}
	if perDevice {
		devices = append(devices, deviceIDs...)
		sort.Ints(devices)
	}
	devices = append(devices, Pooled)

	rows := make([]Row, 0, len(devices)*numBins)
	for _, dev := range devices {
		for bin := 0; bin < numBins; bin++ {
			row := Row{
				Device: dev,
				Lower:  float64(bin) * binWidth,
				Upper:  float64(bin+1) * binWidth,
			}
			if row.Upper > maxDist {
				row.Upper = maxDist
			}
			if bs := bins[BinKey{Device: dev, Bin: bin}]; bs != nil {
				row.Count = bs.Count
				row.MeanArea = bs.Area.Mean()
				row.VarArea = bs.Area.Variance()
				row.MeanEcc = bs.Ecc.Mean()
				row.VarEcc = bs.Ecc.Variance()
				row.MeanIntensity = bs.Intensity.Mean()
				row.VarIntensity = bs.Intensity.Variance()
			}
			rows = append(rows, row)
		}
	}

	failures := append([]TileFailure{}, a.failed...)
	sort.Slice(failures, func(i, j int) bool { return failures[i].TileID < failures[j].TileID })

	cov := Coverage{
		TilesAttempted: a.attempted,
		TilesSucceeded: a.succeeded,
		TilesFailed:    len(a.failed),
		Failures:       failures,
		OutOfRange:     outOfRange,
		DeviceCount:    len(deviceIDs),
	}
	if a.attempted > 0 {
		cov.Fraction = float64(a.succeeded) / float64(a.attempted)
	}

	return &Profile{
		Slide:    slideName,
		BinWidth: binWidth,
		MaxDist:  maxDist,
		Rows:     rows,
		Coverage: cov,
	}
}

// DeviceLabel renders a device key for reports.
func DeviceLabel(device int) string {
	if device == Pooled {
		return "pooled"
	}
	return fmt.Sprintf("device_%d", device)
}
