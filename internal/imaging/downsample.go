package imaging

import (
	"fmt"
	"image"
)

// Downsampler halves a raster with a 2x2 box filter while its rows are
// streamed in, so the source never has to be held whole. The result is
// ceil(w/2) x ceil(h/2); edge pixels average the 1 or 2 source pixels they
// cover.
//
// Sums are kept for a single destination row: 4*ceil(w/2) accumulators and
// a contributor count per destination pixel.
type Downsampler struct {
	srcW, srcH int
	dst        *image.RGBA
	acc        []uint32
	cnt        []uint32
	y          int
}

// NewDownsampler returns a Downsampler for a srcW x srcH raster.
func NewDownsampler(srcW, srcH int) *Downsampler {
	dw, dh := (srcW+1)/2, (srcH+1)/2
	return &Downsampler{
		srcW: srcW,
		srcH: srcH,
		dst:  image.NewRGBA(image.Rect(0, 0, dw, dh)),
		acc:  make([]uint32, 4*dw),
		cnt:  make([]uint32, dw),
	}
}

// Push adds the next source row, 4*srcW bytes of premultiplied RGBA.
func (d *Downsampler) Push(row []byte) {
	for x := 0; x < d.srcW; x++ {
		i := 4 * x
		j := 4 * (x >> 1)
		d.acc[j+0] += uint32(row[i+0])
		d.acc[j+1] += uint32(row[i+1])
		d.acc[j+2] += uint32(row[i+2])
		d.acc[j+3] += uint32(row[i+3])
		d.cnt[x>>1]++
	}
	if d.y&1 == 1 || d.y == d.srcH-1 {
		d.flush(d.y >> 1)
	}
	d.y++
}

// PushStrip adds every row of strip.
func (d *Downsampler) PushStrip(strip *image.RGBA) {
	for y := strip.Rect.Min.Y; y < strip.Rect.Max.Y; y++ {
		d.Push(Row(strip, y))
	}
}

func (d *Downsampler) flush(dy int) {
	off := d.dst.PixOffset(0, dy)
	for dx, n := range d.cnt {
		j := 4 * dx
		half := n / 2
		d.dst.Pix[off+j+0] = uint8((d.acc[j+0] + half) / n)
		d.dst.Pix[off+j+1] = uint8((d.acc[j+1] + half) / n)
		d.dst.Pix[off+j+2] = uint8((d.acc[j+2] + half) / n)
		d.dst.Pix[off+j+3] = uint8((d.acc[j+3] + half) / n)
		d.acc[j+0], d.acc[j+1], d.acc[j+2], d.acc[j+3] = 0, 0, 0, 0
		d.cnt[dx] = 0
	}
}

// Result returns the halved raster once every source row has been pushed.
func (d *Downsampler) Result() (*image.RGBA, error) {
	if d.y != d.srcH {
		return nil, fmt.Errorf("downsampler received %d of %d rows", d.y, d.srcH)
	}
	return d.dst, nil
}

// Halve downsamples a whole RGBA raster.
func Halve(src *image.RGBA) *image.RGBA {
	b := src.Rect
	d := NewDownsampler(b.Dx(), b.Dy())
	d.PushStrip(src)
	dst, _ := d.Result()
	return dst
}
