// Package zoom is the core API of ZoomStore: register images, generate their
// Deep Zoom pyramids, and serve descriptors and tiles.
package zoom

import (
	"context"
	"io"
	"log/slog"

	"github.com/zoomstore/zoomstore/internal/coordinator"
	"github.com/zoomstore/zoomstore/internal/dzi"
	zerrors "github.com/zoomstore/zoomstore/internal/errors"
	"github.com/zoomstore/zoomstore/internal/imagestore"
	"github.com/zoomstore/zoomstore/internal/pyramid"
	"github.com/zoomstore/zoomstore/internal/registry"
	"github.com/zoomstore/zoomstore/internal/tileserver"
)

// Service wires the image store, the generation coordinator and the tile
// server together.
type Service struct {
	store *imagestore.Store
	coord *coordinator.Coordinator
	tiles *tileserver.Server
	opts  pyramid.Options

	closers []func() error
}

// New creates a Service.
func New(store *imagestore.Store, coord *coordinator.Coordinator, tiles *tileserver.Server, opts pyramid.Options) *Service {
	return &Service{store: store, coord: coord, tiles: tiles, opts: opts}
}

// Registration is the result of RegisterImage.
type Registration struct {
	Record *registry.ImageRecord
	// Cached is true when identical bytes were already registered.
	Cached bool
	State  coordinator.State
	// Plan is the geometry the pyramid will have.
	Plan *dzi.Descriptor
}

// ImageSummary is one entry of ListImages.
type ImageSummary struct {
	Record registry.ImageRecord
	// Thumbnail is the tile at the highest level whose grid is one tile.
	Thumbnail dzi.Address
	// TileFormat is the format the pyramid's tiles are encoded in.
	TileFormat string
	State      coordinator.State
}

// ImageStatus describes one image and its pyramid.
type ImageStatus struct {
	Record *registry.ImageRecord
	State  coordinator.State
	// Plan is the geometry the pyramid has (or will have).
	Plan *dzi.Descriptor
}

// RegisterImage stores the image read from r and schedules its pyramid.
func (s *Service) RegisterImage(ctx context.Context, r io.Reader, filename, declaredFormat string) (*Registration, error) {
	reg, err := s.store.Register(ctx, r, filename, declaredFormat)
	if err != nil {
		return nil, err
	}
	st, err := s.ensureRegistered(ctx, reg.Record.ID)
	if err != nil {
		return nil, err
	}
	plan, err := s.opts.Plan(reg.Record.Width, reg.Record.Height, reg.Record.Format)
	if err != nil {
		return nil, err
	}
	return &Registration{Record: reg.Record, Cached: reg.Cached, State: st, Plan: plan}, nil
}

// ensureRegistered starts generation of a freshly registered id. A delete
// that lands between registration and Ensure leaves a run for an image
// that no longer exists, so the record is checked again afterwards and
// such a run is cancelled.
func (s *Service) ensureRegistered(ctx context.Context, id string) (coordinator.State, error) {
	st, err := s.coord.Ensure(id)
	if err != nil {
		return coordinator.State{}, err
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		s.coord.Cancel(id)
		return coordinator.State{}, err
	}
	return st, nil
}

// EnsurePyramid schedules generation of the pyramid of id unless it is
// complete or in progress, and returns the state.
func (s *Service) EnsurePyramid(ctx context.Context, id string) (coordinator.State, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return coordinator.State{}, err
	}
	return s.coord.Ensure(id)
}

// WaitPyramid ensures the pyramid of id and blocks until generation is
// terminal or ctx is done. Giving up on the wait leaves generation running.
func (s *Service) WaitPyramid(ctx context.Context, id string) (coordinator.State, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return coordinator.State{}, err
	}
	if st := s.coord.Status(id); st.Phase == coordinator.NotStarted {
		if _, err := s.coord.Ensure(id); err != nil {
			return coordinator.State{}, err
		}
	}
	return s.coord.Wait(ctx, id)
}

// GetDescriptor returns the descriptor of the completed pyramid of id.
func (s *Service) GetDescriptor(ctx context.Context, id string) (*dzi.Descriptor, error) {
	return s.tiles.Descriptor(ctx, id)
}

// GetTile returns one tile of the pyramid of id.
func (s *Service) GetTile(ctx context.Context, id string, level, col, row int) (*tileserver.Tile, error) {
	return s.tiles.Tile(ctx, id, dzi.Address{Level: level, Column: col, Row: row})
}

// DeleteImage cancels any generation of id, waits for it to stop, and
// removes the source, descriptor and tiles.
func (s *Service) DeleteImage(ctx context.Context, id string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	var existed bool
	err := s.coord.Remove(id, func() error {
		var err error
		existed, err = s.store.Delete(ctx, id)
		s.tiles.Forget(id)
		return err
	})
	if err != nil {
		return err
	}
	if !existed {
		return zerrors.ErrNotFound.WithMessage("image %q does not exist", id)
	}
	return nil
}

// ListImages returns every image, newest first.
func (s *Service) ListImages(ctx context.Context) ([]ImageSummary, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ImageSummary, 0, len(recs))
	for _, rec := range recs {
		sum := ImageSummary{Record: rec, State: s.coord.Status(rec.ID)}
		if plan, err := s.opts.Plan(rec.Width, rec.Height, rec.Format); err == nil {
			sum.Thumbnail = plan.Thumbnail()
			sum.TileFormat = plan.Format
		}
		out = append(out, sum)
	}
	return out, nil
}

// Status returns the record, generation state and pyramid geometry of id.
func (s *Service) Status(ctx context.Context, id string) (*ImageStatus, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &ImageStatus{Record: rec, State: s.coord.Status(id)}
	if st.State.Phase == coordinator.Completed {
		if desc, err := s.tiles.Descriptor(ctx, id); err == nil {
			st.Plan = desc
			return st, nil
		}
	}
	plan, err := s.opts.Plan(rec.Width, rec.Height, rec.Format)
	if err != nil {
		return nil, err
	}
	st.Plan = plan
	return st, nil
}

// Resume schedules generation for every image without a committed pyramid.
// It is called once after recovery.
func (s *Service) Resume(ctx context.Context) (int, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if s.coord.Status(rec.ID).Phase != coordinator.NotStarted {
			continue
		}
		if _, err := s.coord.Ensure(rec.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		slog.Info("Resumed pyramid generation", "images", n)
	}
	return n, nil
}

// Ping checks the registry.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Registry().Ping(ctx)
}

// HealthChecks checks every dependency and returns the result per name:
// "registry", "storage" and, when archiving is enabled, "archive".
func (s *Service) HealthChecks(ctx context.Context) map[string]error {
	checks := map[string]error{
		"registry": s.Ping(ctx),
		"storage":  s.store.Layout().HealthCheck(),
	}
	if arch := s.store.Archive(); arch.Name() != "none" {
		checks["archive"] = arch.HealthCheck(ctx)
	}
	return checks
}

// Close stops all generation runs and releases the registry.
func (s *Service) Close(ctx context.Context) error {
	err := s.coord.Close(ctx)
	for _, c := range s.closers {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
