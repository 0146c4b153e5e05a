package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"sync"
)

// Encoder writes tiles in one output format. It is safe for concurrent use.
type Encoder struct {
	format  string
	quality int
	png     *png.Encoder
	bufs    sync.Pool
}

// NewEncoder returns an encoder for "jpeg" or "png" tiles. compression is
// one of "default", "none", "speed", "best".
func NewEncoder(format string, quality int, compression string) (*Encoder, error) {
	switch format {
	case FormatJPEG, FormatPNG:
	default:
		return nil, fmt.Errorf("unsupported tile format %q", format)
	}
	level, err := ParseCompression(compression)
	if err != nil {
		return nil, err
	}
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	e := &Encoder{
		format:  format,
		quality: quality,
		png:     &png.Encoder{CompressionLevel: level, BufferPool: &pngPool{}},
	}
	e.bufs.New = func() any { return new(bytes.Buffer) }
	return e, nil
}

// Format returns the tile format.
func (e *Encoder) Format() string { return e.format }

// Encode writes img to w.
func (e *Encoder) Encode(w io.Writer, img image.Image) error {
	if e.format == FormatPNG {
		return e.png.Encode(w, img)
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: e.quality})
}

// EncodeBytes encodes img into a fresh byte slice.
func (e *Encoder) EncodeBytes(img image.Image) ([]byte, error) {
	buf := e.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer e.bufs.Put(buf)
	if err := e.Encode(buf, img); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// ParseCompression maps a compression name to a png.CompressionLevel.
func ParseCompression(name string) (png.CompressionLevel, error) {
	switch name {
	case "", "default":
		return png.DefaultCompression, nil
	case "none":
		return png.NoCompression, nil
	case "speed":
		return png.BestSpeed, nil
	case "best":
		return png.BestCompression, nil
	}
	return 0, fmt.Errorf("unknown png compression %q", name)
}

type pngPool struct {
	pool sync.Pool
}

func (p *pngPool) Get() *png.EncoderBuffer {
	b, _ := p.pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *pngPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}
