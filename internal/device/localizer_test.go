package device

import (
	"context"
	"testing"

	"github.com/wsi-profiles/profiler/internal/config"
	"github.com/wsi-profiles/profiler/internal/geom"
	"github.com/wsi-profiles/profiler/internal/pyramid"
)

func localizerConfig() config.DeviceConfig {
	return config.DeviceConfig{
		CoarseMPP:    8.0,
		MinArea:      2000,
		MinSolidity:  0.80,
		MergeOverlap: 0.30,
		RefineMargin: 32,
	}
}

// deviceSlide builds a 1024x1024 slide at 1 um/px with square footprints of
// intensity 230 on a zero background.
func deviceSlide(squares ...geom.Rect) *pyramid.MemorySlide {
	const side = 1024
	data := make([]uint8, side*side)
	for _, sq := range squares {
		for y := sq.Y0; y < sq.Y1; y++ {
			for x := sq.X0; x < sq.X1; x++ {
				data[y*side+x] = 230
			}
		}
	}
	return pyramid.NewMemorySlide("devices", side, side, 1.0, data)
}

func squareMask(id int, sq geom.Rect) Mask {
	boundary := geom.Polygon{
		{X: float64(sq.X0), Y: float64(sq.Y0)},
		{X: float64(sq.X1 - 1), Y: float64(sq.Y0)},
		{X: float64(sq.X1 - 1), Y: float64(sq.Y1 - 1)},
		{X: float64(sq.X0), Y: float64(sq.Y1 - 1)},
	}
	return Mask{ID: id, Boundary: boundary, Bounds: boundary.Bounds(), Level: 0}
}

func TestLocalizeSingleDevice(t *testing.T) {
	footprint := geom.NewRect(100, 100, 120, 120)
	acc := deviceSlide(footprint)
	loc := NewLocalizer(acc, localizerConfig())

	masks, err := loc.Localize(context.Background(), 0)
	if err != nil {
		t.Fatalf("Localize failed: %v", err)
	}
	if len(masks) != 1 {
		t.Fatalf("expected 1 mask, got %d", len(masks))
	}

	m := masks[0]
	if m.ID != 0 {
		t.Errorf("mask ID = %d, want 0", m.ID)
	}
	// The refined hull follows the foreground pixels exactly.
	if m.Bounds != footprint {
		t.Errorf("mask bounds = %+v, want %+v", m.Bounds, footprint)
	}
	if !m.Contains(geom.Point{X: 160, Y: 160}) {
		t.Error("mask must contain the footprint center")
	}
	if m.Contains(geom.Point{X: 50, Y: 50}) {
		t.Error("mask must not contain background")
	}
}

func TestLocalizeOrdersMasksByPosition(t *testing.T) {
	top := geom.NewRect(600, 100, 100, 100)
	bottom := geom.NewRect(100, 500, 100, 100)
	acc := deviceSlide(top, bottom)
	loc := NewLocalizer(acc, localizerConfig())

	masks, err := loc.Localize(context.Background(), 0)
	if err != nil {
		t.Fatalf("Localize failed: %v", err)
	}
	if len(masks) != 2 {
		t.Fatalf("expected 2 masks, got %d", len(masks))
	}

	// Ordered by top-left coordinate, y before x, IDs following the order.
	if masks[0].Bounds != top || masks[0].ID != 0 {
		t.Errorf("first mask = %+v", masks[0])
	}
	if masks[1].Bounds != bottom || masks[1].ID != 1 {
		t.Errorf("second mask = %+v", masks[1])
	}
}

func TestLocalizeRejectsSmallBlob(t *testing.T) {
	footprint := geom.NewRect(100, 100, 120, 120)
	speck := geom.NewRect(800, 800, 20, 20)
	acc := deviceSlide(footprint, speck)
	loc := NewLocalizer(acc, localizerConfig())

	masks, err := loc.Localize(context.Background(), 0)
	if err != nil {
		t.Fatalf("Localize failed: %v", err)
	}
	if len(masks) != 1 {
		t.Fatalf("expected the speck to be rejected by area, got %d masks", len(masks))
	}
	if masks[0].Bounds != footprint {
		t.Errorf("surviving mask = %+v", masks[0].Bounds)
	}
}

func TestLocalizeBlankSlide(t *testing.T) {
	loc := NewLocalizer(deviceSlide(), localizerConfig())

	masks, err := loc.Localize(context.Background(), 0)
	if err != nil {
		t.Fatalf("Localize on blank slide failed: %v", err)
	}
	if len(masks) != 0 {
		t.Errorf("expected no masks on a blank slide, got %d", len(masks))
	}
}

func TestMergeOverlapping(t *testing.T) {
	cases := []struct {
		name    string
		overlap float64
		masks   []Mask
		want    int
	}{
		{
			name:    "disjointStaysSeparate",
			overlap: 0.30,
			masks: []Mask{
				squareMask(0, geom.NewRect(100, 100, 100, 100)),
				squareMask(1, geom.NewRect(400, 400, 100, 100)),
			},
			want: 2,
		},
		{
			name:    "belowFractionStaysSeparate",
			overlap: 0.30,
			masks: []Mask{
				squareMask(0, geom.NewRect(100, 100, 100, 100)),
				squareMask(1, geom.NewRect(150, 150, 100, 100)),
			},
			want: 2,
		},
		{
			name:    "aboveFractionMerges",
			overlap: 0.20,
			masks: []Mask{
				squareMask(0, geom.NewRect(100, 100, 100, 100)),
				squareMask(1, geom.NewRect(150, 150, 100, 100)),
			},
			want: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := localizerConfig()
			cfg.MergeOverlap = tc.overlap
			loc := NewLocalizer(deviceSlide(), cfg)

			merged := loc.mergeOverlapping(tc.masks)
			if len(merged) != tc.want {
				t.Fatalf("got %d masks, want %d", len(merged), tc.want)
			}
			if tc.want == 1 {
				// The merged hull spans both footprints.
				want := geom.NewRect(100, 100, 150, 150)
				if merged[0].Bounds != want {
					t.Errorf("merged bounds = %+v, want %+v", merged[0].Bounds, want)
				}
			}
		})
	}
}
