package pyramid

import (
	"runtime"

	"github.com/zoomstore/zoomstore/internal/config"
	"github.com/zoomstore/zoomstore/internal/dzi"
	"github.com/zoomstore/zoomstore/internal/imaging"
)

// Options controls how pyramids are cut.
type Options struct {
	TileSize int
	Overlap  int
	// Format is "auto", "jpeg" or "png".
	Format         string
	JPEGQuality    int
	PNGCompression string
	// Parallelism bounds concurrent tile encodes within one tile row.
	Parallelism int
	// MaxDecodePixels bounds sources that must be decoded whole.
	MaxDecodePixels int64
}

// OptionsFromConfig converts the pyramid section of the configuration.
func OptionsFromConfig(cfg config.PyramidConfig) Options {
	return Options{
		TileSize:        cfg.TileSize,
		Overlap:         cfg.Overlap,
		Format:          cfg.Format,
		JPEGQuality:     cfg.JPEGQuality,
		PNGCompression:  cfg.PNGCompression,
		Parallelism:     runtime.NumCPU(),
		MaxDecodePixels: cfg.MaxDecodePixels,
	}
}

// TileFormat returns the tile format used for a source of srcFormat. In
// auto mode lossless sources get PNG tiles and everything else JPEG.
func (o Options) TileFormat(srcFormat string) string {
	switch o.Format {
	case "jpeg", "jpg":
		return dzi.FormatJPEG
	case "png":
		return dzi.FormatPNG
	}
	switch srcFormat {
	case imaging.FormatPNG, imaging.FormatTIFF, imaging.FormatWebP, imaging.FormatBMP:
		return dzi.FormatPNG
	}
	return dzi.FormatJPEG
}

// Plan returns the descriptor of the pyramid for a width x height source.
func (o Options) Plan(width, height int, srcFormat string) (*dzi.Descriptor, error) {
	return dzi.New(width, height, o.TileSize, o.Overlap, o.TileFormat(srcFormat))
}
