// Package registry defines the interface and implementations of the image
// registry, which records every registered source image.
package registry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/zoomstore/zoomstore/internal/config"
)

// ImageRecord represents the registry entry for one source image.
type ImageRecord struct {
	// ID is the content-derived identifier (32 lowercase hex characters).
	ID string `json:"id"`
	// Filename is the name the image was uploaded under.
	Filename string `json:"filename"`
	// Format is the detected source format ("jpeg", "png", "tiff", ...).
	Format string `json:"format"`
	// Size is the source size in bytes.
	Size      int64     `json:"size"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	CreatedAt time.Time `json:"created_at"`
}

// Megapixels returns width*height in millions, rounded to one decimal.
func (r *ImageRecord) Megapixels() float64 {
	return math.Round(float64(r.Width)*float64(r.Height)/100_000) / 10
}

// Store is the interface for image registry backends. Get returns nil, nil
// when the record does not exist. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put inserts rec, replacing any record with the same ID.
	Put(ctx context.Context, rec *ImageRecord) error
	// Get returns the record for id.
	Get(ctx context.Context, id string) (*ImageRecord, error)
	// Delete removes the record for id and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	// List returns every record, newest first.
	List(ctx context.Context) ([]ImageRecord, error)
	// Count returns the number of records.
	Count(ctx context.Context) (int, error)
	// PutAll writes recs in one transaction. With replace set, every
	// existing record is removed first. It returns the number written.
	PutAll(ctx context.Context, recs []ImageRecord, replace bool) (int, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend.
	Close() error
}

// Open returns the Store selected by cfg.
func Open(ctx context.Context, cfg config.RegistryConfig) (Store, error) {
	switch cfg.Engine {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		return NewSQLiteStore(cfg.SQLite.Path)
	case "local":
		return NewLocalStore(cfg.Local)
	case "dynamodb":
		return NewDynamoDBStore(ctx, cfg.DynamoDB)
	case "firestore":
		return NewFirestoreStore(ctx, cfg.Firestore)
	case "cosmos":
		return NewCosmosStore(cfg.Cosmos)
	default:
		return nil, fmt.Errorf("unknown registry engine %q", cfg.Engine)
	}
}
