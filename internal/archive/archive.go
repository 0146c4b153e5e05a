// Package archive keeps an optional off-box copy of every registered source
// image in S3, GCS or Azure Blob Storage.
//
// Key mapping:
//
//	Sources:  {prefix}{id}/source.{format}
//
// The local image store stays authoritative; the archive only receives
// copies and hands them back when a local source file has gone missing.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/zoomstore/zoomstore/internal/config"
)

// ErrNotFound is returned by Get when the key is not archived.
var ErrNotFound = errors.New("archive: object not found")

// Archiver stores source copies under string keys.
type Archiver interface {
	// Name identifies the backend in logs and metrics ("aws", "gcp", ...).
	Name() string
	// Put uploads size bytes from r under key, overwriting any existing copy.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Get opens the copy stored under key. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// HealthCheck verifies the upstream bucket or container is reachable.
	HealthCheck(ctx context.Context) error
}

// SourceKey returns the archive key (without prefix) of a source image.
func SourceKey(id, format string) string {
	return id + "/source." + format
}

// New builds the Archiver selected by cfg.Backend.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	switch cfg.Backend {
	case "", "none":
		return Noop{}, nil
	case "aws":
		return NewS3Archive(ctx, cfg)
	case "gcp":
		return NewGCSArchive(ctx, cfg.GCPBucket, cfg.GCPProject, cfg.GCPPrefix)
	case "azure":
		return NewAzureArchive(ctx, cfg.AzureContainer, cfg.AzureAccountURL, cfg.AzurePrefix)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// Noop is the Archiver used when archiving is disabled.
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return nil
}

func (Noop) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, ErrNotFound
}

func (Noop) Delete(ctx context.Context, key string) error { return nil }

func (Noop) HealthCheck(ctx context.Context) error { return nil }
