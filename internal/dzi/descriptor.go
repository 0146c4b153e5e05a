// Package dzi computes Deep Zoom pyramid geometry: level sizes, tile grids
// and tile rectangles, and reads and writes the DZI descriptor document.
package dzi

import (
	"fmt"
	"image"
	"math/bits"

	zerrors "github.com/zoomstore/zoomstore/internal/errors"
)

// Tile formats.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// Descriptor is the immutable geometry of one pyramid. LevelCount is always
// derived from Width and Height.
type Descriptor struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	TileSize   int    `json:"tile_size"`
	Overlap    int    `json:"overlap"`
	Format     string `json:"format"`
	LevelCount int    `json:"level_count"`
}

// Level describes one level of a pyramid.
type Level struct {
	Level   int   `json:"level"`
	Width   int   `json:"width"`
	Height  int   `json:"height"`
	Columns int   `json:"columns"`
	Rows    int   `json:"rows"`
	Scale   int64 `json:"scale"`
}

// Address identifies one tile.
type Address struct {
	Level  int `json:"level"`
	Column int `json:"column"`
	Row    int `json:"row"`
}

func (a Address) String() string {
	return fmt.Sprintf("%d/%d_%d", a.Level, a.Column, a.Row)
}

// LevelCount returns ceil(log2(max(width, height))) + 1.
func LevelCount(width, height int) int {
	m := max(width, height)
	if m <= 1 {
		return 1
	}
	return bits.Len(uint(m-1)) + 1
}

// New builds a descriptor for a width x height source. A zero or negative
// dimension is InvalidImage.
func New(width, height, tileSize, overlap int, format string) (*Descriptor, error) {
	if width <= 0 || height <= 0 {
		return nil, zerrors.ErrInvalidImage.WithMessage("image has zero dimension (%dx%d)", width, height)
	}
	if tileSize < 1 || overlap < 0 || overlap >= tileSize {
		return nil, fmt.Errorf("invalid tile geometry: tile_size=%d overlap=%d", tileSize, overlap)
	}
	switch format {
	case FormatJPEG, FormatPNG:
	default:
		return nil, fmt.Errorf("unsupported tile format %q", format)
	}
	return &Descriptor{
		Width:      width,
		Height:     height,
		TileSize:   tileSize,
		Overlap:    overlap,
		Format:     format,
		LevelCount: LevelCount(width, height),
	}, nil
}

// Scale returns the downsampling factor of level relative to full resolution.
func (d *Descriptor) Scale(level int) int64 {
	return int64(1) << uint(d.LevelCount-1-level)
}

// LevelSize returns the pixel dimensions of level.
func (d *Descriptor) LevelSize(level int) (w, h int) {
	shift := uint(d.LevelCount - 1 - level)
	return ceilShift(d.Width, shift), ceilShift(d.Height, shift)
}

func ceilShift(v int, shift uint) int {
	n := int64(v)
	return int((n + (int64(1) << shift) - 1) >> shift)
}

// Grid returns the number of tile columns and rows at level.
func (d *Descriptor) Grid(level int) (cols, rows int) {
	w, h := d.LevelSize(level)
	return ceilDiv(w, d.TileSize), ceilDiv(h, d.TileSize)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Levels returns every level from 0 (the 1x1 root) to full resolution.
func (d *Descriptor) Levels() []Level {
	out := make([]Level, d.LevelCount)
	for l := range out {
		w, h := d.LevelSize(l)
		c, r := d.Grid(l)
		out[l] = Level{Level: l, Width: w, Height: h, Columns: c, Rows: r, Scale: d.Scale(l)}
	}
	return out
}

// TileCount returns the total number of tiles across all levels.
func (d *Descriptor) TileCount() int64 {
	return TileCount(d.Width, d.Height, d.TileSize)
}

// TileCount returns the total number of tiles a pyramid of the given
// geometry would hold, without building a descriptor.
func TileCount(width, height, tileSize int) int64 {
	levels := LevelCount(width, height)
	var total int64
	for l := 0; l < levels; l++ {
		shift := uint(levels - 1 - l)
		cols := ceilDiv(ceilShift(width, shift), tileSize)
		rows := ceilDiv(ceilShift(height, shift), tileSize)
		total += int64(cols) * int64(rows)
	}
	return total
}

// Check returns InvalidAddress unless a lies inside the pyramid.
func (d *Descriptor) Check(a Address) error {
	if a.Level < 0 || a.Level >= d.LevelCount {
		return zerrors.ErrInvalidAddress.WithMessage("level %d outside 0..%d", a.Level, d.LevelCount-1)
	}
	cols, rows := d.Grid(a.Level)
	if a.Column < 0 || a.Column >= cols {
		return zerrors.ErrInvalidAddress.WithMessage("column %d outside 0..%d at level %d", a.Column, cols-1, a.Level)
	}
	if a.Row < 0 || a.Row >= rows {
		return zerrors.ErrInvalidAddress.WithMessage("row %d outside 0..%d at level %d", a.Row, rows-1, a.Level)
	}
	return nil
}

// TileRect returns the pixel rectangle of a tile within its level, including
// overlap on interior edges. Edge tiles are truncated, not padded.
func (d *Descriptor) TileRect(a Address) (image.Rectangle, error) {
	if err := d.Check(a); err != nil {
		return image.Rectangle{}, err
	}
	w, h := d.LevelSize(a.Level)
	x0, x1 := d.span(a.Column, w)
	y0, y1 := d.span(a.Row, h)
	return image.Rect(x0, y0, x1, y1), nil
}

func (d *Descriptor) span(i, limit int) (lo, hi int) {
	lo = i * d.TileSize
	if i > 0 {
		lo -= d.Overlap
	}
	hi = min(limit, (i+1)*d.TileSize+d.Overlap)
	return lo, hi
}

// RowSpan returns the vertical pixel range [y0, y1) of tile row at level.
func (d *Descriptor) RowSpan(level, row int) (y0, y1 int) {
	_, h := d.LevelSize(level)
	return d.span(row, h)
}

// Thumbnail returns the address of the tile at the highest level whose grid
// is a single tile.
func (d *Descriptor) Thumbnail() Address {
	best := 0
	for l := 0; l < d.LevelCount; l++ {
		c, r := d.Grid(l)
		if c == 1 && r == 1 {
			best = l
		} else {
			break
		}
	}
	return Address{Level: best}
}

// ContentType returns the MIME type of the tiles.
func (d *Descriptor) ContentType() string {
	return ContentType(d.Format)
}

// ContentType returns the MIME type for a tile format.
func ContentType(format string) string {
	if format == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}
