package zoom

import (
	"context"
	"fmt"

	"github.com/zoomstore/zoomstore/internal/archive"
	"github.com/zoomstore/zoomstore/internal/config"
	"github.com/zoomstore/zoomstore/internal/coordinator"
	"github.com/zoomstore/zoomstore/internal/imagestore"
	"github.com/zoomstore/zoomstore/internal/pyramid"
	"github.com/zoomstore/zoomstore/internal/registry"
	"github.com/zoomstore/zoomstore/internal/tileserver"
)

// Open builds a Service from configuration: registry, image root, archive,
// pyramid builder, coordinator and tile server. The caller runs Recover
// before serving and Close on shutdown.
func Open(ctx context.Context, cfg *config.Config) (*Service, error) {
	reg, err := registry.Open(ctx, cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	layout, err := imagestore.NewLayout(cfg.Storage.RootDir)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("initializing image root: %w", err)
	}
	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("initializing archive: %w", err)
	}

	store := imagestore.New(layout, reg, arch, imagestore.Limits{
		MaxBytes:        cfg.Server.MaxUploadSize,
		MaxPixels:       cfg.Pyramid.MaxPixels,
		MaxDecodePixels: cfg.Pyramid.MaxDecodePixels,
		MaxTiles:        cfg.Pyramid.MaxTiles,
		TileSize:        cfg.Pyramid.TileSize,
	})
	opts := pyramid.OptionsFromConfig(cfg.Pyramid)
	builder, err := pyramid.NewBuilder(store, opts)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("initializing pyramid builder: %w", err)
	}
	coord := coordinator.New(builder, cfg.Pyramid.Workers)

	cacheBytes := 0
	if cfg.TileCache.Enabled {
		cacheBytes = cfg.TileCache.SizeMB << 20
	}
	tiles := tileserver.New(store, coord, cacheBytes)

	svc := New(store, coord, tiles, opts)
	svc.closers = append(svc.closers, reg.Close)
	return svc, nil
}

// Recover repairs the image root after an unclean shutdown. It must run
// before any generation is scheduled.
func (s *Service) Recover(ctx context.Context) (*imagestore.RecoveryReport, error) {
	return s.store.Recover(ctx)
}
