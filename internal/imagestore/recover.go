package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zoomstore/zoomstore/internal/archive"
	"github.com/zoomstore/zoomstore/internal/metrics"
	"github.com/zoomstore/zoomstore/internal/registry"
	"github.com/zoomstore/zoomstore/internal/uid"
)

// RecoveryReport counts what Recover cleaned up.
type RecoveryReport struct {
	TempFiles  int
	StaleRuns  int
	Incomplete int
	Orphans    int
	Restored   int
	Dropped    int
	Images     int
}

// Recover brings the root directory and the registry back into agreement
// after an unclean shutdown. It must run before any generation starts.
//
//   - .tmp and .trash are emptied.
//   - .run-* staging directories are removed.
//   - Pyramids without a completion marker lose their tiles and descriptor
//     so they regenerate from scratch.
//   - Directories without a registry record are removed.
//   - Records whose source is missing are restored from the archive when
//     possible, otherwise dropped.
func (s *Store) Recover(ctx context.Context) (*RecoveryReport, error) {
	rep := &RecoveryReport{}

	for _, dir := range []string{s.layout.TempDir(), s.layout.TrashDir()} {
		n, err := emptyDir(dir)
		if err != nil {
			return nil, err
		}
		rep.TempFiles += n
	}

	recs, err := s.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing registry: %w", err)
	}
	known := make(map[string]*registry.ImageRecord, len(recs))
	for i := range recs {
		known[recs[i].ID] = &recs[i]
	}

	entries, err := os.ReadDir(s.layout.Root)
	if err != nil {
		return nil, fmt.Errorf("reading root directory: %w", err)
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !uid.Valid(name) {
			slog.Warn("Ignoring unexpected directory in image root", "name", name)
			continue
		}
		rec, ok := known[name]
		if !ok {
			if err := s.discardDir(s.layout.ImageDir(name)); err != nil {
				return nil, err
			}
			rep.Orphans++
			continue
		}
		seen[name] = true
		if err := s.recoverDir(rec, rep); err != nil {
			return nil, err
		}
	}

	for id, rec := range known {
		if _, err := os.Stat(s.layout.SourcePath(id, rec.Format)); err == nil {
			continue
		}
		if !seen[id] {
			if err := os.MkdirAll(s.layout.ImageDir(id), 0o755); err != nil {
				return nil, fmt.Errorf("creating image directory: %w", err)
			}
		}
		if err := s.restoreSource(ctx, rec); err == nil {
			rep.Restored++
			continue
		} else if !errors.Is(err, archive.ErrNotFound) {
			slog.Warn("Archive restore failed", "id", id, "error", err)
		}
		if _, err := s.registry.Delete(ctx, id); err != nil {
			return nil, fmt.Errorf("dropping record %s: %w", id, err)
		}
		if err := s.discardDir(s.layout.ImageDir(id)); err != nil {
			return nil, err
		}
		rep.Dropped++
		slog.Warn("Dropped image whose source is missing", "id", id, "filename", rec.Filename)
	}

	count, err := s.registry.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting images: %w", err)
	}
	rep.Images = count
	metrics.ImagesTotal.Set(float64(count))

	slog.Info("Image store recovered",
		"images", rep.Images,
		"temp_files", rep.TempFiles,
		"stale_runs", rep.StaleRuns,
		"incomplete", rep.Incomplete,
		"orphans", rep.Orphans,
		"restored", rep.Restored,
		"dropped", rep.Dropped,
	)
	return rep, nil
}

// recoverDir removes staging directories from id's directory and resets an
// incomplete pyramid.
func (s *Store) recoverDir(rec *registry.ImageRecord, rep *RecoveryReport) error {
	dir := s.layout.ImageDir(rec.ID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading image directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), stagePrefix) {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("removing stale run: %w", err)
			}
			rep.StaleRuns++
		}
	}

	if _, ok := s.layout.ReadMarker(rec.ID); ok {
		return nil
	}
	reset := false
	for _, p := range []string{s.layout.TilesDir(rec.ID), s.layout.DescriptorPath(rec.ID)} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("removing incomplete pyramid: %w", err)
		}
		reset = true
	}
	if reset {
		rep.Incomplete++
		slog.Info("Reset incomplete pyramid", "id", rec.ID)
	}
	return nil
}

// restoreSource copies the archived source of rec back into place.
func (s *Store) restoreSource(ctx context.Context, rec *registry.ImageRecord) error {
	rc, err := s.archive.Get(ctx, archive.SourceKey(rec.ID, rec.Format))
	if err != nil {
		return err
	}
	defer rc.Close()
	err = s.layout.writeFrom(s.layout.SourcePath(rec.ID, rec.Format), func(w io.Writer) error {
		_, err := io.Copy(w, rc)
		return err
	}, true)
	if err != nil {
		metrics.ArchiveOperationsTotal.WithLabelValues("get", "error").Inc()
		return err
	}
	metrics.ArchiveOperationsTotal.WithLabelValues("get", "success").Inc()
	slog.Info("Restored source from archive", "id", rec.ID, "backend", s.archive.Name())
	return nil
}

// emptyDir removes everything inside dir and returns how many entries it
// removed.
func emptyDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, os.MkdirAll(dir, 0o755)
		}
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return 0, fmt.Errorf("cleaning %s: %w", dir, err)
		}
	}
	return len(entries), nil
}
