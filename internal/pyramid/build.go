package pyramid

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/draw"

	"github.com/wsi-profiles/profiler/internal/geom"
)

// BuildOptions control pyramid store construction.
type BuildOptions struct {
	Name       string
	MPP        float64 // micron-per-pixel at the base level
	ChunkSize  int     // default 256
	Downsample float64 // level-to-level factor, default 2
	MinLevel   int     // stop adding levels once both dims fall below this, default 512
}

// BuildStore writes a chunked pyramid store from a base grayscale raster.
// Lower-resolution levels are resampled with Catmull-Rom. All-zero chunks
// are skipped on disk; the reader synthesizes them on demand.
func BuildStore(dir string, width, height int, base []uint8, opts BuildOptions) error {
	if len(base) != width*height {
		return fmt.Errorf("base raster size mismatch: got %d bytes, expected %d", len(base), width*height)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 256
	}
	if opts.Downsample <= 1 {
		opts.Downsample = 2
	}
	if opts.MinLevel <= 0 {
		opts.MinLevel = 512
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	defer encoder.Close()

	md := storeMetadata{
		Name:      opts.Name,
		MPP:       opts.MPP,
		ChunkSize: opts.ChunkSize,
	}

	level := 0
	raster := base
	w, h := width, height
	downsample := 1.0
	for {
		md.Levels = append(md.Levels, Level{Width: w, Height: h, Downsample: downsample})
		if err := writeLevelChunks(dir, level, w, h, raster, opts.ChunkSize, encoder); err != nil {
			return err
		}
		nw := int(float64(w)/opts.Downsample + 0.5)
		nh := int(float64(h)/opts.Downsample + 0.5)
		if nw < opts.MinLevel && nh < opts.MinLevel {
			break
		}
		raster = resample(raster, w, h, nw, nh)
		w, h = nw, nh
		downsample *= opts.Downsample
		level++
	}

	data, err := json.MarshalIndent(&md, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "slide.json"), data, 0644)
}

func writeLevelChunks(dir string, level, w, h int, raster []uint8, chunkSize int, encoder *zstd.Encoder) error {
	levelDir := filepath.Join(dir, fmt.Sprintf("level_%d", level))
	if err := os.MkdirAll(levelDir, 0755); err != nil {
		return err
	}
	extent := geom.NewRect(0, 0, w, h)
	for cy := 0; cy*chunkSize < h; cy++ {
		for cx := 0; cx*chunkSize < w; cx++ {
			rect := geom.NewRect(cx*chunkSize, cy*chunkSize, chunkSize, chunkSize).Intersect(extent)
			chunk := make([]uint8, rect.Area())
			empty := true
			for y := rect.Y0; y < rect.Y1; y++ {
				row := raster[y*w+rect.X0 : y*w+rect.X1]
				copy(chunk[(y-rect.Y0)*rect.Dx():], row)
				if empty {
					for _, v := range row {
						if v != 0 {
							empty = false
							break
						}
					}
				}
			}
			if empty {
				continue
			}
			path := filepath.Join(levelDir, fmt.Sprintf("%d_%d.zst", cx, cy))
			if err := os.WriteFile(path, encoder.EncodeAll(chunk, nil), 0644); err != nil {
				return err
			}
		}
	}
	return nil
}

func resample(src []uint8, sw, sh, dw, dh int) []uint8 {
	srcImg := &image.Gray{Pix: src, Stride: sw, Rect: image.Rect(0, 0, sw, sh)}
	dstImg := image.NewGray(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dstImg, dstImg.Rect, srcImg, srcImg.Rect, draw.Over, nil)
	return dstImg.Pix
}
