package imaging

import (
	"bufio"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"image"
	"io"
	"os"

	zerrors "github.com/zoomstore/zoomstore/internal/errors"
)

const pngSignature = "\x89PNG\r\n\x1a\n"

// PNG color types.
const (
	pngGray      = 0
	pngTrueColor = 2
	pngPaletted  = 3
	pngGrayAlpha = 4
	pngTrueAlpha = 6
)

// errNotStreamable is returned by the incremental decoders for valid files
// they cannot read row by row.
var errNotStreamable = errors.New("source cannot be decoded incrementally")

type pngHeader struct {
	width, height int
	depth         int
	colorType     int
	interlaced    bool
}

func (h pngHeader) channels() int {
	switch h.colorType {
	case pngGray, pngPaletted:
		return 1
	case pngGrayAlpha:
		return 2
	case pngTrueColor:
		return 3
	}
	return 4
}

func (h pngHeader) valid() bool {
	switch h.colorType {
	case pngGray:
		return h.depth == 1 || h.depth == 2 || h.depth == 4 || h.depth == 8 || h.depth == 16
	case pngPaletted:
		return h.depth == 1 || h.depth == 2 || h.depth == 4 || h.depth == 8
	case pngTrueColor, pngGrayAlpha, pngTrueAlpha:
		return h.depth == 8 || h.depth == 16
	}
	return false
}

// readPNGHeader reads the signature and the IHDR chunk.
func readPNGHeader(r io.Reader) (pngHeader, error) {
	var b [8 + 8 + 13 + 4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return pngHeader{}, err
	}
	if string(b[:8]) != pngSignature {
		return pngHeader{}, errors.New("not a PNG file")
	}
	if binary.BigEndian.Uint32(b[8:12]) != 13 || string(b[12:16]) != "IHDR" {
		return pngHeader{}, errors.New("png: IHDR must be the first chunk")
	}
	if crc32.ChecksumIEEE(b[12:29]) != binary.BigEndian.Uint32(b[29:33]) {
		return pngHeader{}, errors.New("png: IHDR checksum mismatch")
	}
	ihdr := b[16:29]
	h := pngHeader{
		width:      int(int32(binary.BigEndian.Uint32(ihdr[0:4]))),
		height:     int(int32(binary.BigEndian.Uint32(ihdr[4:8]))),
		depth:      int(ihdr[8]),
		colorType:  int(ihdr[9]),
		interlaced: ihdr[12] == 1,
	}
	if h.width <= 0 || h.height <= 0 {
		return pngHeader{}, errors.New("png: non-positive dimension")
	}
	if ihdr[10] != 0 || ihdr[11] != 0 || ihdr[12] > 1 || !h.valid() {
		return pngHeader{}, fmt.Errorf("png: unsupported header (depth %d, color type %d)", h.depth, h.colorType)
	}
	return h, nil
}

// idatReader presents consecutive IDAT chunks as one stream, verifying
// each chunk's checksum. It reports io.EOF at the first chunk that is not
// IDAT.
type idatReader struct {
	r         *bufio.Reader
	remaining uint32
	crc       hash.Hash32
	done      bool
}

func (d *idatReader) Read(p []byte) (int, error) {
	for d.remaining == 0 {
		if d.done {
			return 0, io.EOF
		}
		if err := d.checkCRC(); err != nil {
			return 0, err
		}
		var hdr [8]byte
		if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
			return 0, io.ErrUnexpectedEOF
		}
		if string(hdr[4:]) != "IDAT" {
			d.done = true
			return 0, io.EOF
		}
		d.remaining = binary.BigEndian.Uint32(hdr[:4])
		d.crc.Reset()
		d.crc.Write(hdr[4:])
	}
	n, err := d.r.Read(p[:min(uint32(len(p)), d.remaining)])
	d.crc.Write(p[:n])
	d.remaining -= uint32(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (d *idatReader) checkCRC() error {
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return io.ErrUnexpectedEOF
	}
	if binary.BigEndian.Uint32(b[:]) != d.crc.Sum32() {
		return errors.New("png: IDAT checksum mismatch")
	}
	return nil
}

// pngStrips decodes a non-interlaced PNG one row at a time. Only the
// current and previous scanline are held besides the strip being filled.
type pngStrips struct {
	f       *os.File
	hdr     pngHeader
	palette [256][4]uint16
	hasPLTE bool
	trns    []byte
	zr      io.ReadCloser
	cur     []byte
	prev    []byte
	bpp     int
	y       int
	stripH  int
}

// newPNGStrips reads the chunks ahead of the image data and positions f at
// the start of the zlib stream.
func newPNGStrips(f *os.File, stripH int) (*pngStrips, error) {
	br := bufio.NewReaderSize(f, 64<<10)
	hdr, err := readPNGHeader(br)
	if err != nil || hdr.interlaced {
		return nil, errNotStreamable
	}
	s := &pngStrips{f: f, hdr: hdr, stripH: max(stripH, 1)}
	for i := range s.palette {
		s.palette[i] = [4]uint16{0, 0, 0, 0xffff}
	}

	var chunk [8]byte
	for {
		if _, err := io.ReadFull(br, chunk[:]); err != nil {
			return nil, fmt.Errorf("png: reading chunk: %w", io.ErrUnexpectedEOF)
		}
		length := binary.BigEndian.Uint32(chunk[:4])
		typ := string(chunk[4:])
		if typ == "IDAT" {
			if hdr.colorType == pngPaletted && !s.hasPLTE {
				return nil, errors.New("png: paletted image without PLTE")
			}
			crc := crc32.NewIEEE()
			crc.Write(chunk[4:])
			s.zr, err = zlib.NewReader(&idatReader{r: br, remaining: length, crc: crc})
			if err != nil {
				return nil, fmt.Errorf("png: %w", err)
			}
			break
		}
		if typ == "IEND" {
			return nil, errors.New("png: no image data")
		}
		if length > 1<<24 {
			return nil, fmt.Errorf("png: %s chunk of %d bytes", typ, length)
		}
		data := make([]byte, length+4)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, fmt.Errorf("png: reading %s: %w", typ, io.ErrUnexpectedEOF)
		}
		switch typ {
		case "PLTE":
			if err := s.setPalette(data[:length]); err != nil {
				return nil, err
			}
		case "tRNS":
			if err := s.setTransparency(data[:length]); err != nil {
				return nil, err
			}
		}
	}

	bits := hdr.channels() * hdr.depth
	s.bpp = (bits + 7) / 8
	rowSize := 1 + (bits*hdr.width+7)/8
	s.cur = make([]byte, rowSize)
	s.prev = make([]byte, rowSize)
	return s, nil
}

func (s *pngStrips) setPalette(data []byte) error {
	n := len(data) / 3
	if len(data)%3 != 0 || n == 0 || n > 256 || n > 1<<s.hdr.depth {
		return errors.New("png: bad PLTE length")
	}
	if s.hdr.colorType != pngPaletted {
		// Suggested palette of a truecolor image.
		return nil
	}
	for i := 0; i < n; i++ {
		s.palette[i] = [4]uint16{
			uint16(data[3*i]) * 0x101,
			uint16(data[3*i+1]) * 0x101,
			uint16(data[3*i+2]) * 0x101,
			0xffff,
		}
	}
	s.hasPLTE = true
	return nil
}

func (s *pngStrips) setTransparency(data []byte) error {
	switch s.hdr.colorType {
	case pngGray:
		if len(data) != 2 {
			return errors.New("png: bad tRNS length")
		}
	case pngTrueColor:
		if len(data) != 6 {
			return errors.New("png: bad tRNS length")
		}
	case pngPaletted:
		if len(data) > 256 {
			return errors.New("png: bad tRNS length")
		}
		for i, a := range data {
			s.palette[i][3] = uint16(a) * 0x101
		}
		return nil
	default:
		return errors.New("png: tRNS, color type mismatch")
	}
	s.trns = append([]byte(nil), data...)
	return nil
}

func (s *pngStrips) Size() (int, int) { return s.hdr.width, s.hdr.height }

func (s *pngStrips) Next() (*image.RGBA, error) {
	if s.y >= s.hdr.height {
		return nil, io.EOF
	}
	y1 := min(s.hdr.height, s.y+s.stripH)
	strip := image.NewRGBA(image.Rect(0, s.y, s.hdr.width, y1))
	for y := s.y; y < y1; y++ {
		if err := s.readRow(); err != nil {
			return nil, zerrors.ErrDecodeError.WithCause(fmt.Errorf("png row %d: %w", y, err))
		}
		s.convert(Row(strip, y), s.cur[1:])
	}
	s.y = y1
	if s.y == s.hdr.height {
		if err := s.finish(); err != nil {
			return nil, zerrors.ErrDecodeError.WithCause(err)
		}
	}
	return strip, nil
}

func (s *pngStrips) Close() error {
	if s.zr != nil {
		s.zr.Close()
	}
	return s.f.Close()
}

// finish drains the zlib stream so its checksum is verified.
func (s *pngStrips) finish() error {
	var b [1]byte
	n, err := io.ReadFull(s.zr, b[:])
	if n != 0 {
		return errors.New("png: too much pixel data")
	}
	if err != io.EOF {
		return fmt.Errorf("png: %w", err)
	}
	return nil
}

// readRow reads and unfilters the next scanline into s.cur.
func (s *pngStrips) readRow() error {
	s.cur, s.prev = s.prev, s.cur
	if _, err := io.ReadFull(s.zr, s.cur); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.New("png: not enough pixel data")
		}
		return err
	}
	cdat, pdat, bpp := s.cur[1:], s.prev[1:], s.bpp
	switch s.cur[0] {
	case 0:
	case 1:
		for i := bpp; i < len(cdat); i++ {
			cdat[i] += cdat[i-bpp]
		}
	case 2:
		for i, p := range pdat {
			cdat[i] += p
		}
	case 3:
		for i := 0; i < bpp; i++ {
			cdat[i] += pdat[i] / 2
		}
		for i := bpp; i < len(cdat); i++ {
			cdat[i] += uint8((int(cdat[i-bpp]) + int(pdat[i])) / 2)
		}
	case 4:
		for i := range cdat {
			var a, c uint8
			if i >= bpp {
				a, c = cdat[i-bpp], pdat[i-bpp]
			}
			cdat[i] += paeth(a, pdat[i], c)
		}
	default:
		return fmt.Errorf("png: bad filter type %d", s.cur[0])
	}
	return nil
}

func paeth(a, b, c uint8) uint8 {
	pa := int(b) - int(c)
	pb := int(a) - int(c)
	pc := abs(pa + pb)
	pa, pb = abs(pa), abs(pb)
	switch {
	case pa <= pb && pa <= pc:
		return a
	case pb <= pc:
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// graySample returns the x-th gray sample of a low bit depth row, scaled
// to 8 bits.
func graySample(cdat []byte, x, depth int) uint8 {
	perByte := 8 / depth
	shift := 8 - depth*(x%perByte+1)
	v := (cdat[x/perByte] >> shift) & (1<<depth - 1)
	switch depth {
	case 1:
		return v * 0xff
	case 2:
		return v * 0x55
	case 4:
		return v * 0x11
	}
	return v
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

// convert writes one unfiltered scanline as premultiplied RGBA.
func (s *pngStrips) convert(dst, cdat []byte) {
	h := s.hdr
	for x := 0; x < h.width; x++ {
		var r, g, b uint16
		a := uint16(0xffff)
		switch {
		case h.colorType == pngPaletted:
			var idx int
			if h.depth == 8 {
				idx = int(cdat[x])
			} else {
				perByte := 8 / h.depth
				idx = int(cdat[x/perByte]>>(8-h.depth*(x%perByte+1))) & (1<<h.depth - 1)
			}
			p := s.palette[idx]
			r, g, b, a = p[0], p[1], p[2], p[3]
		case h.colorType == pngGray && h.depth < 16:
			v := graySample(cdat, x, h.depth)
			r = uint16(v) * 0x101
			g, b = r, r
			if s.trns != nil {
				scale := uint8(1)
				switch h.depth {
				case 1:
					scale = 0xff
				case 2:
					scale = 0x55
				case 4:
					scale = 0x11
				}
				if v == s.trns[1]*scale {
					a = 0
				}
			}
		case h.colorType == pngGray:
			r = be16(cdat[2*x:])
			g, b = r, r
			if s.trns != nil && r == be16(s.trns) {
				a = 0
			}
		case h.colorType == pngGrayAlpha && h.depth == 8:
			r = uint16(cdat[2*x]) * 0x101
			g, b = r, r
			a = uint16(cdat[2*x+1]) * 0x101
		case h.colorType == pngGrayAlpha:
			r = be16(cdat[4*x:])
			g, b = r, r
			a = be16(cdat[4*x+2:])
		case h.colorType == pngTrueColor && h.depth == 8:
			p := cdat[3*x : 3*x+3]
			r, g, b = uint16(p[0])*0x101, uint16(p[1])*0x101, uint16(p[2])*0x101
			if s.trns != nil && p[0] == s.trns[1] && p[1] == s.trns[3] && p[2] == s.trns[5] {
				a = 0
			}
		case h.colorType == pngTrueColor:
			p := cdat[6*x : 6*x+6]
			r, g, b = be16(p), be16(p[2:]), be16(p[4:])
			if s.trns != nil && r == be16(s.trns) && g == be16(s.trns[2:]) && b == be16(s.trns[4:]) {
				a = 0
			}
		case h.depth == 8:
			p := cdat[4*x : 4*x+4]
			r, g, b, a = uint16(p[0])*0x101, uint16(p[1])*0x101, uint16(p[2])*0x101, uint16(p[3])*0x101
		default:
			p := cdat[8*x : 8*x+8]
			r, g, b, a = be16(p), be16(p[2:]), be16(p[4:]), be16(p[6:])
		}
		putPremultiplied(dst[4*x:4*x+4], r, g, b, a)
	}
}

// putPremultiplied stores a 16-bit non-premultiplied color as 8-bit
// premultiplied RGBA, rounding the way image/draw does.
func putPremultiplied(d []byte, r, g, b, a uint16) {
	alpha := uint32(a)
	d[0] = uint8((uint32(r) * alpha / 0xffff) >> 8)
	d[1] = uint8((uint32(g) * alpha / 0xffff) >> 8)
	d[2] = uint8((uint32(b) * alpha / 0xffff) >> 8)
	d[3] = uint8(a >> 8)
}
