// Package imagestore owns image identifiers and their on-disk directories:
// the source file, the descriptor and the tile tree of every registered
// image.
package imagestore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zoomstore/zoomstore/internal/archive"
	"github.com/zoomstore/zoomstore/internal/dzi"
	zerrors "github.com/zoomstore/zoomstore/internal/errors"
	"github.com/zoomstore/zoomstore/internal/imaging"
	"github.com/zoomstore/zoomstore/internal/metrics"
	"github.com/zoomstore/zoomstore/internal/registry"
	"github.com/zoomstore/zoomstore/internal/uid"
)

// Limits bounds what Register accepts. Zero disables a bound.
type Limits struct {
	MaxBytes  int64
	MaxPixels int64
	// MaxDecodePixels bounds sources that cannot be read strip by strip.
	MaxDecodePixels int64
	MaxTiles        int64
	// TileSize is used to count the tiles a pyramid would hold.
	TileSize int
}

// Registration is the outcome of Register.
type Registration struct {
	Record *registry.ImageRecord
	// Cached is true when identical bytes were already registered.
	Cached bool
}

// Store combines the registry with the directory layout.
type Store struct {
	layout   *Layout
	registry registry.Store
	archive  archive.Archiver
	limits   Limits

	// mu serializes promotion of uploads so two identical uploads cannot
	// both rename into the same directory.
	mu sync.Mutex
}

// New creates a Store. A nil archiver disables archiving.
func New(layout *Layout, reg registry.Store, arch archive.Archiver, limits Limits) *Store {
	if arch == nil {
		arch = archive.Noop{}
	}
	return &Store{layout: layout, registry: reg, archive: arch, limits: limits}
}

// Layout returns the directory layout of the store.
func (s *Store) Layout() *Layout { return s.layout }

// Registry returns the underlying image registry.
func (s *Store) Registry() registry.Store { return s.registry }

// Archive returns the archiver sources are copied to.
func (s *Store) Archive() archive.Archiver { return s.archive }

// Register streams r into the store and returns its content-derived
// identifier. filename and declaredFormat are optional; when given, they
// must name an accepted format. A payload larger than MaxBytes is rejected
// with ImageTooLarge before any decoding.
func (s *Store) Register(ctx context.Context, r io.Reader, filename, declaredFormat string) (*Registration, error) {
	if filename != "" {
		if _, ok := imaging.FormatForName(filename); !ok {
			return nil, zerrors.ErrInvalidImage.WithMessage("file type of %q is not supported", filename)
		}
	}
	if declaredFormat != "" {
		if _, ok := imaging.FormatForName(declaredFormat); !ok {
			return nil, zerrors.ErrInvalidImage.WithMessage("format %q is not supported", declaredFormat)
		}
	}
	if sized, ok := r.(interface{ Size() int64 }); ok && s.limits.MaxBytes > 0 && sized.Size() > s.limits.MaxBytes {
		return nil, s.tooLarge(sized.Size())
	}

	tmpFile, err := s.layout.CreateTemp()
	if err != nil {
		return nil, err
	}
	tmpPath := tmpFile.Name()
	promoted := false
	defer func() {
		if !promoted {
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	var src io.Reader = &ctxReader{ctx: ctx, r: r}
	if s.limits.MaxBytes > 0 {
		src = io.LimitReader(src, s.limits.MaxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(tmpFile, h), src)
	if err != nil {
		tmpFile.Close()
		if ctx.Err() != nil {
			return nil, zerrors.ErrCancelled.WithCause(ctx.Err())
		}
		return nil, fmt.Errorf("storing upload: %w", err)
	}
	if s.limits.MaxBytes > 0 && n > s.limits.MaxBytes {
		tmpFile.Close()
		return nil, s.tooLarge(n)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("syncing upload: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("closing upload: %w", err)
	}
	if n == 0 {
		return nil, zerrors.ErrInvalidImage.WithMessage("empty upload")
	}

	hdr, err := imaging.ReadConfigFile(tmpPath)
	if err != nil {
		return nil, err
	}
	if err := s.checkBounds(hdr); err != nil {
		return nil, err
	}

	id := uid.FromDigest(h)
	rec := &registry.ImageRecord{
		ID:        id,
		Filename:  filename,
		Format:    hdr.Format,
		Size:      n,
		Width:     hdr.Width,
		Height:    hdr.Height,
		CreatedAt: time.Now().UTC(),
	}
	if rec.Filename == "" {
		rec.Filename = id + "." + hdr.Format
	}

	existing, err := s.promote(ctx, tmpPath, rec)
	if err != nil {
		return nil, err
	}
	promoted = existing == nil
	if existing != nil {
		slog.Debug("Image already registered", "id", id, "filename", existing.Filename)
		return &Registration{Record: existing, Cached: true}, nil
	}

	metrics.ImagesTotal.Inc()
	metrics.BytesReceivedTotal.Add(float64(n))
	slog.Info("Image registered", "id", id, "format", hdr.Format,
		"width", hdr.Width, "height", hdr.Height, "size", humanize.Bytes(uint64(n)))

	s.archiveSource(ctx, rec)
	return &Registration{Record: rec}, nil
}

// promote moves the upload at tmpPath into the directory of rec.ID and
// records it. When the identifier is already registered with its source in
// place, nothing is moved and the existing record is returned.
func (s *Store) promote(ctx context.Context, tmpPath string, rec *registry.ImageRecord) (*registry.ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.registry.Get(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("looking up image: %w", err)
	}
	if existing != nil {
		if _, err := os.Stat(s.layout.SourcePath(existing.ID, existing.Format)); err == nil {
			return existing, nil
		}
		slog.Warn("Registered image lost its source, replacing", "id", rec.ID)
	}

	dir := s.layout.ImageDir(rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating image directory: %w", err)
	}
	if err := os.Rename(tmpPath, s.layout.SourcePath(rec.ID, rec.Format)); err != nil {
		return nil, fmt.Errorf("moving upload into place: %w", err)
	}
	if err := s.registry.Put(ctx, rec); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("recording image: %w", err)
	}
	return nil, nil
}

func (s *Store) tooLarge(n int64) error {
	return zerrors.ErrImageTooLarge.WithMessage("upload of %s exceeds the limit of %s",
		humanize.Bytes(uint64(n)), humanize.Bytes(uint64(s.limits.MaxBytes)))
}

func (s *Store) checkBounds(hdr imaging.Config) error {
	pixels := int64(hdr.Width) * int64(hdr.Height)
	if s.limits.MaxPixels > 0 && pixels > s.limits.MaxPixels {
		return zerrors.ErrImageTooLarge.WithMessage("%dx%d image has %s pixels, limit is %s",
			hdr.Width, hdr.Height, humanize.Comma(pixels), humanize.Comma(s.limits.MaxPixels))
	}
	if !hdr.Streamed && s.limits.MaxDecodePixels > 0 && pixels > s.limits.MaxDecodePixels {
		return zerrors.ErrImageTooLarge.WithMessage("%s images are decoded whole; %dx%d exceeds the limit of %s pixels",
			hdr.Format, hdr.Width, hdr.Height, humanize.Comma(s.limits.MaxDecodePixels))
	}
	if s.limits.MaxTiles > 0 && s.limits.TileSize > 0 {
		if n := dzi.TileCount(hdr.Width, hdr.Height, s.limits.TileSize); n > s.limits.MaxTiles {
			return zerrors.ErrImageTooLarge.WithMessage("pyramid would hold %s tiles, limit is %s",
				humanize.Comma(n), humanize.Comma(s.limits.MaxTiles))
		}
	}
	return nil
}

// archiveSource uploads the source copy. Failures are logged and counted
// but never fail the registration.
func (s *Store) archiveSource(ctx context.Context, rec *registry.ImageRecord) {
	if _, ok := s.archive.(archive.Noop); ok {
		return
	}
	f, err := os.Open(s.layout.SourcePath(rec.ID, rec.Format))
	if err != nil {
		slog.Warn("Archive upload skipped", "id", rec.ID, "error", err)
		metrics.ArchiveOperationsTotal.WithLabelValues("put", "error").Inc()
		return
	}
	defer f.Close()
	key := archive.SourceKey(rec.ID, rec.Format)
	if err := s.archive.Put(ctx, key, f, rec.Size, "image/"+rec.Format); err != nil {
		slog.Warn("Archive upload failed", "id", rec.ID, "backend", s.archive.Name(), "error", err)
		metrics.ArchiveOperationsTotal.WithLabelValues("put", "error").Inc()
		return
	}
	metrics.ArchiveOperationsTotal.WithLabelValues("put", "success").Inc()
}

// Get returns the record of id, or NotFound.
func (s *Store) Get(ctx context.Context, id string) (*registry.ImageRecord, error) {
	if !uid.Valid(id) {
		return nil, zerrors.ErrNotFound.WithMessage("image %q does not exist", id)
	}
	rec, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("looking up image: %w", err)
	}
	if rec == nil {
		return nil, zerrors.ErrNotFound.WithMessage("image %q does not exist", id)
	}
	return rec, nil
}

// Source returns the record of id and the path of its source file.
func (s *Store) Source(ctx context.Context, id string) (*registry.ImageRecord, string, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return rec, s.layout.SourcePath(rec.ID, rec.Format), nil
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) ([]registry.ImageRecord, error) {
	return s.registry.List(ctx)
}

// Delete removes the record of id and its whole directory. The directory is
// first renamed into .trash, so readers see either the complete pyramid or
// nothing. It reports whether the image existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if !uid.Valid(id) {
		return false, nil
	}
	s.mu.Lock()
	rec, err := s.registry.Get(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("looking up image: %w", err)
	}
	existed, err := s.registry.Delete(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("deleting image record: %w", err)
	}
	moveErr := s.discardDir(s.layout.ImageDir(id))
	s.mu.Unlock()
	if moveErr != nil {
		return existed, moveErr
	}

	if existed {
		metrics.ImagesTotal.Dec()
		slog.Info("Image deleted", "id", id)
	}
	if rec != nil {
		s.deleteArchived(ctx, rec)
	}
	return existed, nil
}

// discardDir renames dir into .trash and removes it from there.
func (s *Store) discardDir(dir string) error {
	trashed := s.layout.TrashPath()
	if err := os.Rename(dir, trashed); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("moving image directory to trash: %w", err)
	}
	if err := os.RemoveAll(trashed); err != nil {
		// Recovery sweeps .trash on the next start.
		slog.Warn("Failed to empty trash", "path", trashed, "error", err)
	}
	return nil
}

func (s *Store) deleteArchived(ctx context.Context, rec *registry.ImageRecord) {
	if _, ok := s.archive.(archive.Noop); ok {
		return
	}
	if err := s.archive.Delete(ctx, archive.SourceKey(rec.ID, rec.Format)); err != nil {
		slog.Warn("Archive delete failed", "id", rec.ID, "backend", s.archive.Name(), "error", err)
		metrics.ArchiveOperationsTotal.WithLabelValues("delete", "error").Inc()
		return
	}
	metrics.ArchiveOperationsTotal.WithLabelValues("delete", "success").Inc()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
