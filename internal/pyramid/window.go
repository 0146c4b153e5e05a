package pyramid

import (
	"image"

	"github.com/zoomstore/zoomstore/internal/imaging"
)

// window holds the rows of a level that a tile row still needs. Rows alias
// the strips they came from, so a strip is released once its last row is
// discarded.
type window struct {
	width int
	top   int
	rows  [][]byte
}

func (w *window) push(strip *image.RGBA) {
	for y := strip.Rect.Min.Y; y < strip.Rect.Max.Y; y++ {
		w.rows = append(w.rows, imaging.Row(strip, y))
	}
}

// bottom is one past the last row held.
func (w *window) bottom() int { return w.top + len(w.rows) }

// band copies rows [y0, y1) into a raster whose Rect keeps level
// coordinates.
func (w *window) band(y0, y1 int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, y0, w.width, y1))
	for y := y0; y < y1; y++ {
		copy(imaging.Row(img, y), w.rows[y-w.top])
	}
	return img
}

// discardBefore drops every row above y.
func (w *window) discardBefore(y int) {
	n := min(y-w.top, len(w.rows))
	if n <= 0 {
		return
	}
	clear(w.rows[:n])
	w.rows = w.rows[n:]
	w.top += n
}
