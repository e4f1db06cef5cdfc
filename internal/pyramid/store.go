package pyramid

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/wsi-profiles/profiler/internal/geom"
)

// Store layout on disk:
//
//	<dir>/slide.json                 metadata (storeMetadata)
//	<dir>/level_<i>/<cx>_<cy>.zst    zstd-compressed grayscale chunk
//
// Chunks are square (metadata chunk_size) except at the right/bottom edges,
// where they are clipped to the level extent. A chunk absent on disk is an
// all-background (zero) chunk and is synthesized rather than treated as an
// error.

const defaultChunkCacheSize = 256

type storeMetadata struct {
	Name      string  `json:"name"`
	MPP       float64 `json:"mpp"`
	ChunkSize int     `json:"chunk_size"`
	Levels    []Level `json:"levels"`
}

// Store reads a chunked on-disk pyramid. Safe for concurrent use: chunk
// reads share no cursor, and the decoder and LRU are both concurrency-safe.
type Store struct {
	dir       string
	slide     *Slide
	chunkSize int
	decoder   *zstd.Decoder
	chunks    *lru.Cache[string, []uint8]
}

// OpenStore opens a pyramid store directory.
func OpenStore(dir string) (*Store, error) {
	data, err := os.ReadFile(filepath.Join(dir, "slide.json"))
	if err != nil {
		return nil, fmt.Errorf("read slide metadata: %w", err)
	}
	var md storeMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse slide metadata: %w", err)
	}
	if md.ChunkSize <= 0 {
		return nil, fmt.Errorf("invalid slide metadata: chunk_size %d", md.ChunkSize)
	}
	if len(md.Levels) == 0 {
		return nil, fmt.Errorf("invalid slide metadata: no levels")
	}
	for i, lv := range md.Levels {
		if lv.Width <= 0 || lv.Height <= 0 || lv.Downsample <= 0 {
			return nil, fmt.Errorf("invalid slide metadata: level %d %+v", i, lv)
		}
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	chunks, err := lru.New[string, []uint8](defaultChunkCacheSize)
	if err != nil {
		decoder.Close()
		return nil, err
	}

	name := md.Name
	if name == "" {
		name = filepath.Base(dir)
	}
	return &Store{
		dir:       dir,
		chunkSize: md.ChunkSize,
		decoder:   decoder,
		chunks:    chunks,
		slide: &Slide{
			Name:   name,
			MPP:    md.MPP,
			Levels: md.Levels,
		},
	}, nil
}

// Slide returns the slide metadata.
func (st *Store) Slide() *Slide { return st.slide }

// Close releases the decoder. Open chunk data stays valid.
func (st *Store) Close() error {
	st.decoder.Close()
	return nil
}

// ReadRegion assembles a region from the chunks it overlaps. Out-of-bounds
// regions fail with a BoundsError; unreadable chunk data fails with a
// DecodeError.
func (st *Store) ReadRegion(ctx context.Context, level int, region geom.Rect) (*Pixels, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := CheckBounds(st.slide, level, region); err != nil {
		return nil, err
	}

	out := make([]uint8, region.Dx()*region.Dy())
	cs := st.chunkSize
	for cy := region.Y0 / cs; cy*cs < region.Y1; cy++ {
		for cx := region.X0 / cs; cx*cs < region.X1; cx++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			chunk, chunkRect, err := st.chunkAt(level, cx, cy)
			if err != nil {
				return nil, &DecodeError{Level: level, Region: region, Err: err}
			}
			overlap := region.Intersect(chunkRect)
			for y := overlap.Y0; y < overlap.Y1; y++ {
				srcOff := (y-chunkRect.Y0)*chunkRect.Dx() + (overlap.X0 - chunkRect.X0)
				dstOff := (y-region.Y0)*region.Dx() + (overlap.X0 - region.X0)
				copy(out[dstOff:dstOff+overlap.Dx()], chunk[srcOff:srcOff+overlap.Dx()])
			}
		}
	}
	return &Pixels{Rect: region, Level: level, Data: out}, nil
}

// chunkRect returns the extent of chunk (cx, cy) at a level, clipped to the
// level bounds.
func (st *Store) chunkRect(level, cx, cy int) geom.Rect {
	cs := st.chunkSize
	return geom.NewRect(cx*cs, cy*cs, cs, cs).Intersect(st.slide.Extent(level))
}

func (st *Store) chunkAt(level, cx, cy int) ([]uint8, geom.Rect, error) {
	rect := st.chunkRect(level, cx, cy)
	key := fmt.Sprintf("%d/%d_%d", level, cx, cy)
	if data, ok := st.chunks.Get(key); ok {
		return data, rect, nil
	}

	path := filepath.Join(st.dir, fmt.Sprintf("level_%d", level), fmt.Sprintf("%d_%d.zst", cx, cy))
	compressed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// Absent chunk: all background.
		data := make([]uint8, rect.Area())
		st.chunks.Add(key, data)
		return data, rect, nil
	}
	if err != nil {
		return nil, rect, err
	}

	data, err := st.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, rect, fmt.Errorf("zstd decompress chunk %s: %w", key, err)
	}
	if len(data) != rect.Area() {
		return nil, rect, fmt.Errorf("chunk %s size mismatch: got %d bytes, expected %d", key, len(data), rect.Area())
	}
	st.chunks.Add(key, data)
	return data, rect, nil
}
