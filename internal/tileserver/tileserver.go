// Package tileserver answers descriptor and tile lookups from committed
// pyramids. The read path never touches image data: tiles are the bytes
// written by the cutter, optionally served from an in-memory cache.
package tileserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/coocood/freecache"

	"github.com/zoomstore/zoomstore/internal/coordinator"
	"github.com/zoomstore/zoomstore/internal/dzi"
	zerrors "github.com/zoomstore/zoomstore/internal/errors"
	"github.com/zoomstore/zoomstore/internal/imagestore"
	"github.com/zoomstore/zoomstore/internal/metrics"
)

// Tile is one cached tile.
type Tile struct {
	Data        []byte
	ContentType string
	// Token identifies the run that produced the tile. It changes whenever
	// the pyramid is regenerated.
	Token string
}

type descEntry struct {
	token string
	desc  *dzi.Descriptor
}

// Server resolves tile addresses to cached bytes.
type Server struct {
	store *imagestore.Store
	coord *coordinator.Coordinator
	cache *freecache.Cache

	mu    sync.Mutex
	descs map[string]descEntry
}

// New creates a Server. cacheBytes of zero disables the hot tile cache.
func New(store *imagestore.Store, coord *coordinator.Coordinator, cacheBytes int) *Server {
	s := &Server{store: store, coord: coord, descs: make(map[string]descEntry)}
	if cacheBytes > 0 {
		s.cache = freecache.NewCache(cacheBytes)
	}
	return s
}

// Descriptor returns the descriptor of a completed pyramid.
func (s *Server) Descriptor(ctx context.Context, id string) (*dzi.Descriptor, error) {
	desc, _, err := s.completed(ctx, id)
	return desc, err
}

// Tile returns the tile at addr.
//
//   - NotFound: id is not registered.
//   - NotReady: the pyramid is not generated yet. A pyramid that was never
//     started gets generation triggered.
//   - the recorded error: the last generation run failed.
//   - InvalidAddress: addr is outside the pyramid.
func (s *Server) Tile(ctx context.Context, id string, addr dzi.Address) (*Tile, error) {
	desc, token, err := s.completed(ctx, id)
	if err != nil {
		metrics.TileRequestsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}
	if err := desc.Check(addr); err != nil {
		metrics.TileRequestsTotal.WithLabelValues("invalid_address").Inc()
		return nil, err
	}

	key := []byte(id + ":" + token + ":" + addr.String())
	if s.cache != nil {
		if data, err := s.cache.Get(key); err == nil {
			metrics.TileCacheHitsTotal.Inc()
			metrics.TileRequestsTotal.WithLabelValues("hit").Inc()
			return &Tile{Data: data, ContentType: desc.ContentType(), Token: token}, nil
		}
	}

	path := imagestore.TilePath(s.store.Layout().TilesDir(id), addr, desc.Format)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted underneath us.
			s.forget(id)
			metrics.TileRequestsTotal.WithLabelValues("not_found").Inc()
			return nil, zerrors.ErrNotFound.WithMessage("tile %s of image %s does not exist", addr, id)
		}
		metrics.TileRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("reading tile: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Set(key, data, 0); err != nil {
			slog.Debug("Tile not cached", "id", id, "tile", addr.String(), "error", err)
		}
	}
	metrics.TileRequestsTotal.WithLabelValues("hit").Inc()
	return &Tile{Data: data, ContentType: desc.ContentType(), Token: token}, nil
}

// completed returns the descriptor and run token of id once its pyramid is
// complete, and the classified error otherwise.
func (s *Server) completed(ctx context.Context, id string) (*dzi.Descriptor, string, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, "", err
	}

	st := s.coord.Status(id)
	if st.Phase == coordinator.NotStarted {
		var err error
		if st, err = s.coord.Ensure(id); err != nil {
			return nil, "", err
		}
	}
	switch st.Phase {
	case coordinator.Completed:
	case coordinator.Failed:
		return nil, "", zerrors.Classify(st.Err)
	default:
		return nil, "", zerrors.ErrNotReady.WithMessage("pyramid of %s is being generated (%s elapsed)",
			id, st.Elapsed().Round(time.Millisecond))
	}

	s.mu.Lock()
	e, ok := s.descs[id]
	s.mu.Unlock()
	if ok && e.token == st.Token {
		return e.desc, e.token, nil
	}

	data, err := os.ReadFile(s.store.Layout().DescriptorPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", zerrors.ErrNotFound.WithMessage("image %q does not exist", id)
		}
		return nil, "", fmt.Errorf("reading descriptor: %w", err)
	}
	desc, err := dzi.Parse(data)
	if err != nil {
		return nil, "", zerrors.ErrInternalError.WithCause(err)
	}
	s.mu.Lock()
	s.descs[id] = descEntry{token: st.Token, desc: desc}
	s.mu.Unlock()
	return desc, st.Token, nil
}

// Forget drops cached state of id. Cached tiles are keyed by run token and
// simply age out.
func (s *Server) Forget(id string) { s.forget(id) }

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.descs, id)
	s.mu.Unlock()
}

// CacheStats returns hit and lookup counts of the hot tile cache.
func (s *Server) CacheStats() (hits, lookups int64) {
	if s.cache == nil {
		return 0, 0
	}
	return s.cache.HitCount(), s.cache.LookupCount()
}

func resultLabel(err error) string {
	ze := zerrors.Classify(err)
	switch ze.Code {
	case zerrors.ErrNotReady.Code:
		return "not_ready"
	case zerrors.ErrNotFound.Code:
		return "not_found"
	}
	return "failed"
}
