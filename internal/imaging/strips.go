package imaging

import (
	"image"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	xdraw "golang.org/x/image/draw"

	zerrors "github.com/zoomstore/zoomstore/internal/errors"
)

// Strips is a finite, non-restartable sequence of horizontal bands of a
// raster, top to bottom. Each strip is an *image.RGBA whose Rect carries
// absolute coordinates: Min.X is 0 and Min.Y is the first row of the strip.
type Strips interface {
	// Size returns the dimensions of the whole raster.
	Size() (w, h int)
	// Next returns the next strip, or io.EOF after the last row.
	Next() (*image.RGBA, error)
	// Close releases the underlying file or raster.
	Close() error
}

// OpenStrips opens the source image at path as strips of stripH rows.
//
// BMP and non-interlaced PNG files are decoded incrementally, so only one
// strip of pixels is resident at a time. Every other file is decoded whole
// first; when its header reports more than maxDecodePixels pixels (zero
// disables the bound) OpenStrips fails with ImageTooLarge instead.
func OpenStrips(path string, stripH int, maxDecodePixels int64) (Strips, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var magic [8]byte
	n, _ := io.ReadFull(f, magic[:])
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	var s Strips
	switch {
	case n == len(magic) && string(magic[:]) == pngSignature:
		s, err = newPNGStrips(f, stripH)
	case n >= 2 && string(magic[:2]) == "BM":
		s, err = newBMPStrips(f, stripH)
	default:
		err = errNotStreamable
	}
	switch {
	case err == nil:
		return s, nil
	case err != errNotStreamable:
		f.Close()
		return nil, zerrors.ErrDecodeError.WithCause(err)
	}
	f.Close()

	if maxDecodePixels > 0 {
		cfg, err := ReadConfigFile(path)
		if err != nil {
			return nil, zerrors.ErrDecodeError.WithCause(err)
		}
		if px := int64(cfg.Width) * int64(cfg.Height); px > maxDecodePixels {
			return nil, zerrors.ErrImageTooLarge.WithMessage("%s source of %dx%d is decoded whole and exceeds %s pixels",
				cfg.Format, cfg.Width, cfg.Height, humanize.Comma(maxDecodePixels))
		}
	}
	img, err := Decode(path)
	if err != nil {
		return nil, err
	}
	return NewStrips(img, stripH), nil
}

type imageStrips struct {
	img    image.Image
	w, h   int
	y      int
	stripH int
}

// NewStrips exposes img as strips of at most stripH rows, converted to RGBA
// one strip at a time.
func NewStrips(img image.Image, stripH int) Strips {
	b := img.Bounds()
	return &imageStrips{img: img, w: b.Dx(), h: b.Dy(), stripH: max(stripH, 1)}
}

func (s *imageStrips) Size() (int, int) { return s.w, s.h }

func (s *imageStrips) Close() error {
	s.img = nil
	return nil
}

func (s *imageStrips) Next() (*image.RGBA, error) {
	if s.y >= s.h {
		s.img = nil
		return nil, io.EOF
	}
	y1 := min(s.h, s.y+s.stripH)
	b := s.img.Bounds()
	dst := image.NewRGBA(image.Rect(0, s.y, s.w, y1))
	xdraw.Copy(dst, dst.Rect.Min, s.img, image.Rect(b.Min.X, b.Min.Y+s.y, b.Max.X, b.Min.Y+y1), xdraw.Src, nil)
	s.y = y1
	return dst, nil
}

type rasterStrips struct {
	img    *image.RGBA
	y      int
	stripH int
}

// RasterStrips exposes an in-memory RGBA raster anchored at (0, 0) as strips
// without copying.
func RasterStrips(img *image.RGBA, stripH int) Strips {
	return &rasterStrips{img: img, stripH: max(stripH, 1)}
}

func (s *rasterStrips) Size() (int, int) { return s.img.Rect.Dx(), s.img.Rect.Dy() }

func (s *rasterStrips) Close() error { return nil }

func (s *rasterStrips) Next() (*image.RGBA, error) {
	h := s.img.Rect.Dy()
	if s.y >= h {
		return nil, io.EOF
	}
	y1 := min(h, s.y+s.stripH)
	strip := s.img.SubImage(image.Rect(0, s.y, s.img.Rect.Dx(), y1)).(*image.RGBA)
	s.y = y1
	return strip, nil
}

// Row returns the pixel bytes of row y of an RGBA strip.
func Row(strip *image.RGBA, y int) []byte {
	off := strip.PixOffset(strip.Rect.Min.X, y)
	return strip.Pix[off : off+4*strip.Rect.Dx()]
}
