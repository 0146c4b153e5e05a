package imaging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	zerrors "github.com/zoomstore/zoomstore/internal/errors"
)

// bmpHeader is the part of a BMP header needed to address its rows. Only
// the uncompressed 8, 24 and 32 bit layouts golang.org/x/image/bmp decodes
// are accepted.
type bmpHeader struct {
	width, height int
	bpp           int
	topDown       bool
	allowAlpha    bool
	offset        int64
	palette       [][3]uint8
}

// stride is the size of one stored row; rows are padded to 4 bytes.
func (h bmpHeader) stride() int {
	return (h.bpp*h.width + 31) / 32 * 4
}

func readBMPHeader(r io.Reader) (bmpHeader, error) {
	const (
		fileHeaderLen = 14
		infoLen40     = 40
		infoLen108    = 108
		infoLen124    = 124
	)
	var b [fileHeaderLen + infoLen124]byte
	if _, err := io.ReadFull(r, b[:fileHeaderLen+4]); err != nil {
		return bmpHeader{}, err
	}
	if string(b[:2]) != "BM" {
		return bmpHeader{}, errors.New("not a BMP file")
	}
	offset := binary.LittleEndian.Uint32(b[10:14])
	infoLen := binary.LittleEndian.Uint32(b[14:18])
	if infoLen != infoLen40 && infoLen != infoLen108 && infoLen != infoLen124 {
		return bmpHeader{}, errNotStreamable
	}
	if _, err := io.ReadFull(r, b[fileHeaderLen+4:fileHeaderLen+infoLen]); err != nil {
		return bmpHeader{}, err
	}
	h := bmpHeader{
		width:  int(int32(binary.LittleEndian.Uint32(b[18:22]))),
		height: int(int32(binary.LittleEndian.Uint32(b[22:26]))),
		offset: int64(offset),
	}
	if h.height < 0 {
		h.height, h.topDown = -h.height, true
	}
	if h.width <= 0 || h.height <= 0 {
		return bmpHeader{}, errNotStreamable
	}
	planes := binary.LittleEndian.Uint16(b[26:28])
	h.bpp = int(binary.LittleEndian.Uint16(b[28:30]))
	compression := binary.LittleEndian.Uint32(b[30:34])
	// BI_BITFIELDS with the default BGRA masks is plain BI_RGB.
	if compression == 3 && infoLen > infoLen40 &&
		binary.LittleEndian.Uint32(b[54:58]) == 0xff0000 && binary.LittleEndian.Uint32(b[58:62]) == 0xff00 &&
		binary.LittleEndian.Uint32(b[62:66]) == 0xff && binary.LittleEndian.Uint32(b[66:70]) == 0xff000000 {
		compression = 0
	}
	if planes != 1 || compression != 0 {
		return bmpHeader{}, errNotStreamable
	}

	switch h.bpp {
	case 8:
		colors := binary.LittleEndian.Uint32(b[46:50])
		if colors == 0 {
			colors = 256
		} else if colors > 256 {
			return bmpHeader{}, errNotStreamable
		}
		if offset != fileHeaderLen+infoLen+colors*4 {
			return bmpHeader{}, errNotStreamable
		}
		pal := make([]byte, 4*colors)
		if _, err := io.ReadFull(r, pal); err != nil {
			return bmpHeader{}, err
		}
		h.palette = make([][3]uint8, colors)
		for i := range h.palette {
			h.palette[i] = [3]uint8{pal[4*i+2], pal[4*i+1], pal[4*i]}
		}
	case 24, 32:
		if offset != fileHeaderLen+infoLen {
			return bmpHeader{}, errNotStreamable
		}
		h.allowAlpha = h.bpp == 32 && infoLen > infoLen40
	default:
		return bmpHeader{}, errNotStreamable
	}
	return h, nil
}

// bmpStrips reads the rows of each strip straight from their file offsets.
// Bottom-up files store the rows of a strip as one contiguous block in
// reverse order.
type bmpStrips struct {
	f      *os.File
	hdr    bmpHeader
	buf    []byte
	y      int
	stripH int
}

func newBMPStrips(f *os.File, stripH int) (*bmpStrips, error) {
	hdr, err := readBMPHeader(f)
	if err != nil {
		return nil, errNotStreamable
	}
	return &bmpStrips{f: f, hdr: hdr, stripH: max(stripH, 1)}, nil
}

func (s *bmpStrips) Size() (int, int) { return s.hdr.width, s.hdr.height }

func (s *bmpStrips) Next() (*image.RGBA, error) {
	h := s.hdr
	if s.y >= h.height {
		return nil, io.EOF
	}
	y0, y1 := s.y, min(h.height, s.y+s.stripH)
	stride := h.stride()
	n := (y1 - y0) * stride
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	buf := s.buf[:n]

	first := y0
	if !h.topDown {
		first = h.height - y1
	}
	if _, err := s.f.ReadAt(buf, h.offset+int64(first)*int64(stride)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, zerrors.ErrDecodeError.WithCause(fmt.Errorf("bmp rows %d-%d: %w", y0, y1, err))
	}

	strip := image.NewRGBA(image.Rect(0, y0, h.width, y1))
	for y := y0; y < y1; y++ {
		i := y - y0
		if !h.topDown {
			i = y1 - 1 - y
		}
		if err := s.convert(Row(strip, y), buf[i*stride:(i+1)*stride]); err != nil {
			return nil, zerrors.ErrDecodeError.WithCause(fmt.Errorf("bmp row %d: %w", y, err))
		}
	}
	s.y = y1
	return strip, nil
}

func (s *bmpStrips) Close() error {
	return s.f.Close()
}

func (s *bmpStrips) convert(dst, src []byte) error {
	h := s.hdr
	switch h.bpp {
	case 8:
		for x := 0; x < h.width; x++ {
			idx := int(src[x])
			if idx >= len(h.palette) {
				return fmt.Errorf("palette index %d out of range", idx)
			}
			p := h.palette[idx]
			dst[4*x], dst[4*x+1], dst[4*x+2], dst[4*x+3] = p[0], p[1], p[2], 0xff
		}
	case 24:
		for x := 0; x < h.width; x++ {
			dst[4*x], dst[4*x+1], dst[4*x+2], dst[4*x+3] = src[3*x+2], src[3*x+1], src[3*x], 0xff
		}
	case 32:
		for x := 0; x < h.width; x++ {
			p := src[4*x : 4*x+4]
			a := uint16(0xffff)
			if h.allowAlpha {
				a = uint16(p[3]) * 0x101
			}
			putPremultiplied(dst[4*x:4*x+4], uint16(p[2])*0x101, uint16(p[1])*0x101, uint16(p[0])*0x101, a)
		}
	}
	return nil
}
