// Package pyramid cuts Deep Zoom tile pyramids out of source images.
//
// The full-resolution level is cut from the source strip by strip.
// Every strip also feeds a 2x2 box downsampler, whose output is the raster
// of the next level down; that raster is cut and halved the same way until
// the 1x1 root level is written.
package pyramid

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/zoomstore/zoomstore/internal/coordinator"
	"github.com/zoomstore/zoomstore/internal/dzi"
	zerrors "github.com/zoomstore/zoomstore/internal/errors"
	"github.com/zoomstore/zoomstore/internal/imagestore"
	"github.com/zoomstore/zoomstore/internal/imaging"
	"github.com/zoomstore/zoomstore/internal/metrics"
)

// timeFormat is the format used for completion marker timestamps.
const timeFormat = "2006-01-02T15:04:05.000Z"

// Builder implements coordinator.Generator on top of an image store.
type Builder struct {
	store    *imagestore.Store
	opts     Options
	encoders map[string]*imaging.Encoder

	// onTile, when set, is called after each tile is written.
	onTile func(dzi.Address)
}

// NewBuilder creates a Builder.
func NewBuilder(store *imagestore.Store, opts Options) (*Builder, error) {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	b := &Builder{store: store, opts: opts, encoders: make(map[string]*imaging.Encoder)}
	for _, format := range []string{dzi.FormatJPEG, dzi.FormatPNG} {
		enc, err := imaging.NewEncoder(format, opts.JPEGQuality, opts.PNGCompression)
		if err != nil {
			return nil, err
		}
		b.encoders[format] = enc
	}
	return b, nil
}

// Options returns the cutting options.
func (b *Builder) Options() Options { return b.opts }

// Completed reports whether id has a committed pyramid.
func (b *Builder) Completed(id string) (string, bool) {
	m, ok := b.store.Layout().ReadMarker(id)
	return m.Token, ok
}

// Generate cuts every tile of id into the staging directory of token.
func (b *Builder) Generate(ctx context.Context, id, token string) (coordinator.Staged, error) {
	rec, srcPath, err := b.store.Source(ctx, id)
	if err != nil {
		return nil, err
	}
	desc, err := b.opts.Plan(rec.Width, rec.Height, rec.Format)
	if err != nil {
		return nil, err
	}

	layout := b.store.Layout()
	stage := layout.StageDir(id, token)
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return nil, classify(ctx, fmt.Errorf("creating staging directory: %w", err))
	}

	start := time.Now()
	c := &cut{
		desc:      desc,
		layout:    layout,
		stage:     stage,
		enc:       b.encoders[desc.Format],
		limit:     b.opts.Parallelism,
		onTile:    b.onTile,
		maxDecode: b.opts.MaxDecodePixels,
	}
	if err := c.run(ctx, srcPath); err != nil {
		os.RemoveAll(stage)
		return nil, classify(ctx, err)
	}

	slog.Info("Pyramid cut",
		"id", id,
		"token", token,
		"levels", desc.LevelCount,
		"tiles", c.tiles.Load(),
		"bytes", humanize.Bytes(uint64(c.bytes.Load())),
		"elapsed", time.Since(start),
	)
	return &Staged{layout: layout, id: id, token: token, stage: stage, desc: desc}, nil
}

// cut is the state of one generation run.
type cut struct {
	desc   *dzi.Descriptor
	layout *imagestore.Layout
	stage  string
	enc    *imaging.Encoder
	limit  int
	onTile func(dzi.Address)
	// maxDecode bounds sources that cannot be read incrementally.
	maxDecode int64

	tiles atomic.Int64
	bytes atomic.Int64
}

func (c *cut) run(ctx context.Context, srcPath string) error {
	src, err := imaging.OpenStrips(srcPath, c.desc.TileSize, c.maxDecode)
	if err != nil {
		if _, ok := zerrors.As(err); !ok && !isExhausted(err) {
			err = zerrors.ErrDecodeError.WithCause(err)
		}
		return err
	}
	defer src.Close()
	if w, h := src.Size(); w != c.desc.Width || h != c.desc.Height {
		return zerrors.ErrDecodeError.WithMessage("source is %dx%d, registered as %dx%d",
			w, h, c.desc.Width, c.desc.Height)
	}

	var strips imaging.Strips = src
	for level := c.desc.LevelCount - 1; level >= 0; level-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		var down *imaging.Downsampler
		if level > 0 {
			w, h := strips.Size()
			down = imaging.NewDownsampler(w, h)
		}
		if err := c.level(ctx, level, strips, down); err != nil {
			return err
		}
		if down == nil {
			break
		}
		next, err := down.Result()
		if err != nil {
			return err
		}
		strips = imaging.RasterStrips(next, c.desc.TileSize)
	}
	return nil
}

// level cuts every tile row of level from strips, feeding down with each
// strip read.
func (c *cut) level(ctx context.Context, level int, strips imaging.Strips, down *imaging.Downsampler) error {
	if err := os.MkdirAll(filepath.Join(c.stage, strconv.Itoa(level)), 0o755); err != nil {
		return fmt.Errorf("creating level directory: %w", err)
	}
	width, _ := strips.Size()
	cols, rows := c.desc.Grid(level)
	win := &window{width: width}
	eof := false

	read := func() error {
		strip, err := strips.Next()
		if err == io.EOF {
			eof = true
			return nil
		}
		if err != nil {
			return err
		}
		win.push(strip)
		if down != nil {
			down.PushStrip(strip)
		}
		return nil
	}

	for row := 0; row < rows; row++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		y0, y1 := c.desc.RowSpan(level, row)
		for !eof && win.bottom() < y1 {
			if err := read(); err != nil {
				return err
			}
		}
		if win.bottom() < y1 {
			return fmt.Errorf("level %d ended at row %d, tile row %d needs %d", level, win.bottom(), row, y1)
		}
		if err := c.row(ctx, level, row, cols, win.band(y0, y1)); err != nil {
			return err
		}
		win.discardBefore((row+1)*c.desc.TileSize - c.desc.Overlap)
	}
	for !eof {
		if err := read(); err != nil {
			return err
		}
	}
	return nil
}

// row encodes and writes the tiles of one tile row in parallel.
func (c *cut) row(ctx context.Context, level, row, cols int, band *image.RGBA) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for col := 0; col < cols; col++ {
		addr := dzi.Address{Level: level, Column: col, Row: row}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rect, err := c.desc.TileRect(addr)
			if err != nil {
				return err
			}
			data, err := c.enc.EncodeBytes(band.SubImage(rect))
			if err != nil {
				return fmt.Errorf("encoding tile %s: %w", addr, err)
			}
			path := imagestore.TilePath(c.stage, addr, c.desc.Format)
			if err := c.layout.WriteFile(path, data, false); err != nil {
				return fmt.Errorf("writing tile %s: %w", addr, err)
			}
			c.tiles.Add(1)
			c.bytes.Add(int64(len(data)))
			metrics.TilesWrittenTotal.Inc()
			if c.onTile != nil {
				c.onTile(addr)
			}
			return nil
		})
	}
	return g.Wait()
}

// Staged is a cut pyramid waiting in its staging directory.
type Staged struct {
	layout *imagestore.Layout
	id     string
	token  string
	stage  string
	desc   *dzi.Descriptor
}

// Descriptor returns the geometry of the staged pyramid.
func (s *Staged) Descriptor() *dzi.Descriptor { return s.desc }

// Commit moves the staged tiles into place, then writes the descriptor and
// finally the completion marker. On failure nothing of the run remains.
func (s *Staged) Commit() error {
	if err := s.commit(); err != nil {
		os.RemoveAll(s.stage)
		os.RemoveAll(s.layout.TilesDir(s.id))
		os.Remove(s.layout.DescriptorPath(s.id))
		return classify(context.Background(), err)
	}
	return nil
}

func (s *Staged) commit() error {
	if err := os.Remove(s.layout.MarkerPath(s.id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing previous marker: %w", err)
	}
	tiles := s.layout.TilesDir(s.id)
	if err := os.RemoveAll(tiles); err != nil {
		return fmt.Errorf("removing previous tiles: %w", err)
	}
	if err := os.Rename(s.stage, tiles); err != nil {
		return fmt.Errorf("promoting tiles: %w", err)
	}
	data, err := s.desc.MarshalDZI()
	if err != nil {
		return err
	}
	if err := s.layout.WriteFile(s.layout.DescriptorPath(s.id), data, true); err != nil {
		return fmt.Errorf("writing descriptor: %w", err)
	}
	m := imagestore.Marker{Token: s.token, Time: time.Now().UTC().Format(timeFormat)}
	if err := s.layout.WriteMarker(s.id, m); err != nil {
		return fmt.Errorf("writing completion marker: %w", err)
	}
	return nil
}

// Discard removes the staged tiles.
func (s *Staged) Discard() error {
	return os.RemoveAll(s.stage)
}

// classify maps a generation failure onto the error taxonomy.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return zerrors.ErrCancelled.WithCause(ctx.Err())
	}
	if ze, ok := zerrors.As(err); ok {
		return ze
	}
	if isExhausted(err) {
		return zerrors.ErrResourceExhausted.WithCause(err)
	}
	return zerrors.ErrInternalError.WithCause(err)
}

func isExhausted(err error) bool {
	for _, errno := range []syscall.Errno{syscall.ENOSPC, syscall.EDQUOT, syscall.EMFILE, syscall.ENFILE, syscall.ENOMEM} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
