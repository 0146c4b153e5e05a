package registry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zoomstore/zoomstore/internal/config"
)

const localLogName = "images.jsonl"

// localEntry is one line of images.jsonl. Later lines supersede earlier
// ones for the same ID; a deleted entry carries only the ID.
type localEntry struct {
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data,omitempty"`
	Deleted bool            `json:"_deleted,omitempty"`
}

// LocalStore is a Store backed by an append-only JSON-lines file. Every
// record is held in memory and the log is replayed on open. A line torn by
// a crash fails to parse and is skipped, so the last complete write wins.
type LocalStore struct {
	mu      sync.RWMutex
	rootDir string
	images  map[string]*ImageRecord
}

func NewLocalStore(cfg config.LocalConfig) (*LocalStore, error) {
	if cfg.RootDir == "" {
		cfg.RootDir = "./data/registry"
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	s := &LocalStore{
		rootDir: cfg.RootDir,
		images:  make(map[string]*ImageRecord),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}
	if cfg.CompactOnStartup {
		if err := s.rewrite(s.images); err != nil {
			return nil, fmt.Errorf("compacting registry: %w", err)
		}
	}
	return s, nil
}

func (s *LocalStore) path() string {
	return filepath.Join(s.rootDir, localLogName)
}

func (s *LocalStore) load() error {
	f, err := os.Open(s.path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry localEntry
		if err := json.Unmarshal(line, &entry); err != nil || entry.ID == "" {
			continue
		}
		if entry.Deleted {
			delete(s.images, entry.ID)
			continue
		}
		var rec ImageRecord
		if err := json.Unmarshal(entry.Data, &rec); err != nil {
			continue
		}
		s.images[entry.ID] = &rec
	}
	return scanner.Err()
}

func encodeEntry(buf *bytes.Buffer, rec *ImageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line, err := json.Marshal(localEntry{ID: rec.ID, Data: data})
	if err != nil {
		return err
	}
	buf.Write(line)
	buf.WriteByte('\n')
	return nil
}

// appendLog writes buf to the end of the log and syncs it. Callers hold mu.
func (s *LocalStore) appendLog(buf []byte) error {
	f, err := os.OpenFile(s.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// rewrite replaces the log with one line per record in images, through a
// temporary file and a rename.
func (s *LocalStore) rewrite(images map[string]*ImageRecord) error {
	var buf bytes.Buffer
	for _, rec := range images {
		if err := encodeEntry(&buf, rec); err != nil {
			return err
		}
	}

	tmpPath := s.path() + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	f.Close()
	return os.Rename(tmpPath, s.path())
}

func (s *LocalStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.rootDir)
	return err
}

func (s *LocalStore) Close() error {
	return nil
}

func (s *LocalStore) Put(ctx context.Context, rec *ImageRecord) error {
	var buf bytes.Buffer
	if err := encodeEntry(&buf, rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLog(buf.Bytes()); err != nil {
		return err
	}
	recCopy := *rec
	s.images[rec.ID] = &recCopy
	return nil
}

func (s *LocalStore) Get(ctx context.Context, id string) (*ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.images[id]
	if !ok {
		return nil, nil
	}
	recCopy := *rec
	return &recCopy, nil
}

func (s *LocalStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.images[id]; !ok {
		return false, nil
	}
	line, err := json.Marshal(localEntry{ID: id, Deleted: true})
	if err != nil {
		return false, err
	}
	if err := s.appendLog(append(line, '\n')); err != nil {
		return false, err
	}
	delete(s.images, id)
	return true, nil
}

func (s *LocalStore) List(ctx context.Context) ([]ImageRecord, error) {
	s.mu.RLock()
	out := make([]ImageRecord, 0, len(s.images))
	for _, rec := range s.images {
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

func (s *LocalStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images), nil
}

// PutAll appends recs in a single synced write. With replace set the log is
// rewritten instead, so a crash leaves either the old or the new set.
func (s *LocalStore) PutAll(ctx context.Context, recs []ImageRecord, replace bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*ImageRecord, len(recs))
	if !replace {
		for id, rec := range s.images {
			next[id] = rec
		}
	}
	var buf bytes.Buffer
	for i := range recs {
		recCopy := recs[i]
		if err := encodeEntry(&buf, &recCopy); err != nil {
			return 0, err
		}
		next[recCopy.ID] = &recCopy
	}

	var err error
	if replace {
		err = s.rewrite(next)
	} else {
		err = s.appendLog(buf.Bytes())
	}
	if err != nil {
		return 0, err
	}
	s.images = next
	return len(recs), nil
}
