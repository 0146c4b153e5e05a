package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"golang.org/x/image/bmp"

	zerrors "github.com/zoomstore/zoomstore/internal/errors"
)

func writeImage(t *testing.T, name string, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	var err error
	switch filepath.Ext(name) {
	case ".png":
		err = png.Encode(&buf, img)
	case ".bmp":
		err = bmp.Encode(&buf, img)
	case ".jpg":
		err = jpeg.Encode(&buf, img, nil)
	}
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// noisy fills every channel, alpha included, with pseudo-random values so
// the PNG encoder picks a mix of row filters.
func noisy(w, h int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	return img
}

func collect(t *testing.T, s Strips) *image.RGBA {
	t.Helper()
	w, h := s.Size()
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	next := 0
	for {
		strip, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if strip.Rect.Min.Y != next || strip.Rect.Dx() != w {
			t.Fatalf("strip %v, want rows from %d and width %d", strip.Rect, next, w)
		}
		for y := strip.Rect.Min.Y; y < strip.Rect.Max.Y; y++ {
			copy(Row(out, y), Row(strip, y))
		}
		next = strip.Rect.Max.Y
	}
	if next != h {
		t.Fatalf("strips covered %d rows, want %d", next, h)
	}
	return out
}

func wholeDecode(t *testing.T, path string) *image.RGBA {
	t.Helper()
	img, err := Decode(path)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStrips(img, 64)
	defer s.Close()
	return collect(t, s)
}

func TestOpenStripsStreamsPNG(t *testing.T) {
	pal := color.Palette{
		color.NRGBA{0, 0, 0, 0},
		color.NRGBA{200, 10, 10, 255},
		color.NRGBA{10, 200, 10, 128},
		color.NRGBA{10, 10, 200, 255},
		color.NRGBA{90, 90, 90, 255},
	}
	gray := image.NewGray(image.Rect(0, 0, 45, 21))
	gray16 := image.NewGray16(image.Rect(0, 0, 45, 21))
	mono := image.NewPaletted(image.Rect(0, 0, 45, 21), pal[:2])
	indexed := image.NewPaletted(image.Rect(0, 0, 45, 21), pal)
	deep := image.NewNRGBA64(image.Rect(0, 0, 45, 21))
	for y := 0; y < 21; y++ {
		for x := 0; x < 45; x++ {
			gray.SetGray(x, y, color.Gray{uint8(x*5 + y)})
			gray16.SetGray16(x, y, color.Gray16{uint16(x*1400 + y*37)})
			mono.SetColorIndex(x, y, uint8((x+y)%2))
			indexed.SetColorIndex(x, y, uint8((x*y)%len(pal)))
			deep.SetNRGBA64(x, y, color.NRGBA64{uint16(x * 1400), uint16(y * 3000), 0x8000, uint16(x*y*50 + 1)})
		}
	}

	tests := []struct {
		name string
		img  image.Image
	}{
		{"truecolor", gradient(45, 21)},
		{"truecolor alpha", noisy(45, 21, 1)},
		{"gray", gray},
		{"gray16", gray16},
		{"paletted 1 bit", mono},
		{"paletted with alpha", indexed},
		{"truecolor alpha 16", deep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeImage(t, "src.png", tt.img)
			s, err := OpenStrips(path, 4, 1)
			if err != nil {
				t.Fatalf("OpenStrips: %v", err)
			}
			defer s.Close()
			if _, ok := s.(*pngStrips); !ok {
				t.Fatalf("OpenStrips returned %T, want incremental PNG strips", s)
			}
			got := collect(t, s)
			if want := wholeDecode(t, path); !bytes.Equal(got.Pix, want.Pix) {
				t.Error("streamed pixels differ from the whole-image decode")
			}
		})
	}
}

func TestOpenStripsStreamsBMP(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 30, 11))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i * 7)
	}
	tests := []struct {
		name string
		img  image.Image
	}{
		{"24 bit", gradient(31, 17)},
		{"32 bit", noisy(31, 17, 2)},
		{"8 bit", gray},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeImage(t, "src.bmp", tt.img)
			s, err := OpenStrips(path, 5, 1)
			if err != nil {
				t.Fatalf("OpenStrips: %v", err)
			}
			defer s.Close()
			if _, ok := s.(*bmpStrips); !ok {
				t.Fatalf("OpenStrips returned %T, want incremental BMP strips", s)
			}
			got := collect(t, s)
			if want := wholeDecode(t, path); !bytes.Equal(got.Pix, want.Pix) {
				t.Error("streamed pixels differ from the whole-image decode")
			}
		})
	}
}

func TestOpenStripsDecodeBound(t *testing.T) {
	path := writeImage(t, "src.jpg", gradient(64, 64))

	_, err := OpenStrips(path, 16, 64*64-1)
	if !errors.Is(err, zerrors.ErrImageTooLarge) {
		t.Fatalf("OpenStrips over the decode bound = %v, want ImageTooLarge", err)
	}

	s, err := OpenStrips(path, 16, 64*64)
	if err != nil {
		t.Fatalf("OpenStrips at the decode bound: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*imageStrips); !ok {
		t.Errorf("OpenStrips returned %T for a JPEG, want a decoded image", s)
	}
	collect(t, s)
}

func TestOpenStripsTruncated(t *testing.T) {
	for _, name := range []string{"src.png", "src.bmp"} {
		t.Run(name, func(t *testing.T) {
			full := writeImage(t, name, noisy(64, 64, 3))
			data, err := os.ReadFile(full)
			if err != nil {
				t.Fatal(err)
			}
			path := filepath.Join(t.TempDir(), name)
			if err := os.WriteFile(path, data[:len(data)/2], 0o644); err != nil {
				t.Fatal(err)
			}

			s, err := OpenStrips(path, 8, 0)
			if err != nil {
				t.Fatalf("OpenStrips: %v", err)
			}
			defer s.Close()
			for {
				_, err = s.Next()
				if err != nil {
					break
				}
			}
			if !errors.Is(err, zerrors.ErrDecodeError) {
				t.Errorf("reading a truncated file ended with %v, want DecodeError", err)
			}
		})
	}
}

func TestReadConfigFileStreamed(t *testing.T) {
	tests := []struct {
		name     string
		streamed bool
	}{
		{"a.png", true},
		{"a.bmp", true},
		{"a.jpg", false},
	}
	for _, tt := range tests {
		cfg, err := ReadConfigFile(writeImage(t, tt.name, gradient(20, 10)))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if cfg.Streamed != tt.streamed || cfg.Width != 20 || cfg.Height != 10 {
			t.Errorf("ReadConfigFile(%s) = %+v, want Streamed=%v", tt.name, cfg, tt.streamed)
		}
	}
}

func TestPNGStripsBoundedMemory(t *testing.T) {
	// 1024x1024 RGBA is 4 MiB decoded; one 16-row strip is 64 KiB.
	path := writeImage(t, "big.png", noisy(1024, 1024, 4))

	var ms runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&ms)
	base := ms.HeapAlloc

	s, err := OpenStrips(path, 16, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	var peak uint64
	for {
		strip, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		runtime.GC()
		runtime.ReadMemStats(&ms)
		peak = max(peak, ms.HeapAlloc)
		runtime.KeepAlive(strip)
	}
	if grew := int64(peak) - int64(base); grew > 1<<20 {
		t.Errorf("live heap grew by %d bytes while streaming, want under 1 MiB", grew)
	}
}
