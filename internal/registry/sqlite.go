package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

// SQLiteStore implements Store using SQLite. It provides durable,
// ACID-compliant storage suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// initializes the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating registry directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS images (
			id         TEXT PRIMARY KEY,
			filename   TEXT NOT NULL DEFAULT '',
			format     TEXT NOT NULL,
			size       INTEGER NOT NULL,
			width      INTEGER NOT NULL,
			height     INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_images_created ON images(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// execer is the subset of *sql.DB and *sql.Tx used by put.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func put(ctx context.Context, ex execer, rec *ImageRecord) error {
	_, err := ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO images (id, filename, format, size, width, height, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Filename,
		rec.Format,
		rec.Size,
		rec.Width,
		rec.Height,
		rec.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("putting image %q: %w", rec.ID, err)
	}
	return nil
}

// Put inserts or replaces an image record.
func (s *SQLiteStore) Put(ctx context.Context, rec *ImageRecord) error {
	return put(ctx, s.db, rec)
}

// Get retrieves an image record by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*ImageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, filename, format, size, width, height, created_at
		 FROM images WHERE id = ?`, id)
	rec, err := scanImage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting image %q: %w", id, err)
	}
	return rec, nil
}

// Delete removes an image record.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting image %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting image %q: %w", id, err)
	}
	return n > 0, nil
}

// List returns all image records, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, format, size, width, height, created_at
		 FROM images ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	defer rows.Close()

	var out []ImageRecord
	for rows.Next() {
		rec, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning image row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Count returns the number of image records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting images: %w", err)
	}
	return n, nil
}

// PutAll writes recs in a single transaction.
func (s *SQLiteStore) PutAll(ctx context.Context, recs []ImageRecord, replace bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM images`); err != nil {
			return 0, fmt.Errorf("clearing images: %w", err)
		}
	}
	for i := range recs {
		if err := put(ctx, tx, &recs[i]); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing import: %w", err)
	}
	return len(recs), nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanImage(sc scanner) (*ImageRecord, error) {
	var rec ImageRecord
	var createdAt string
	if err := sc.Scan(&rec.ID, &rec.Filename, &rec.Format, &rec.Size, &rec.Width, &rec.Height, &createdAt); err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &rec, nil
}
