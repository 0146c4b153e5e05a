// Package imaging decodes source rasters, exposes them as sequences of row
// strips, halves them with a box filter and encodes tiles.
package imaging

import (
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	zerrors "github.com/zoomstore/zoomstore/internal/errors"
)

// Source formats, as reported by image.DecodeConfig.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatTIFF = "tiff"
	FormatBMP  = "bmp"
	FormatWebP = "webp"
)

// extensions maps accepted filename extensions to source formats.
var extensions = map[string]string{
	"jpg":  FormatJPEG,
	"jpeg": FormatJPEG,
	"png":  FormatPNG,
	"tif":  FormatTIFF,
	"tiff": FormatTIFF,
	"bmp":  FormatBMP,
	"webp": FormatWebP,
}

// FormatForName returns the source format implied by a filename extension
// or a bare format name ("JPG", "tiff"). ok is false when it is not one of
// the accepted formats.
func FormatForName(name string) (format string, ok bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		ext = strings.ToLower(name)
	}
	format, ok = extensions[ext]
	return format, ok
}

// Supported reports whether format is an accepted source format.
func Supported(format string) bool {
	switch format {
	case FormatJPEG, FormatPNG, FormatTIFF, FormatBMP, FormatWebP:
		return true
	}
	return false
}

// Config is the header information of a source image.
type Config struct {
	Format string
	Width  int
	Height int
	// Streamed is true when the file can be cut without decoding it whole.
	// Only ReadConfigFile sets it.
	Streamed bool
}

// ReadConfig reads only the image header. Anything undecodable or outside
// the accepted formats is InvalidImage.
func ReadConfig(r io.Reader) (Config, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return Config{}, zerrors.ErrInvalidImage.WithCause(err)
	}
	if !Supported(format) {
		return Config{}, zerrors.ErrInvalidImage.WithMessage("unsupported image format %q", format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Config{}, zerrors.ErrInvalidImage.WithMessage("image has zero dimension (%dx%d)", cfg.Width, cfg.Height)
	}
	return Config{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// ReadConfigFile is ReadConfig on a file path. It also reports whether
// the file can be decoded incrementally.
func ReadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	cfg, err := ReadConfig(f)
	if err != nil {
		return Config{}, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Config{}, err
	}
	switch cfg.Format {
	case FormatPNG:
		h, err := readPNGHeader(f)
		cfg.Streamed = err == nil && !h.interlaced
	case FormatBMP:
		_, err := readBMPHeader(f)
		cfg.Streamed = err == nil
	}
	return cfg, nil
}

// Decode fully decodes the image at path. Failures, including decoder
// panics on corrupt input, are DecodeError.
func Decode(path string) (img image.Image, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = zerrors.ErrDecodeError.WithCause(fmt.Errorf("decoder panic: %v", r))
		}
	}()
	img, _, err = image.Decode(f)
	if err != nil {
		return nil, zerrors.ErrDecodeError.WithCause(err)
	}
	return img, nil
}
