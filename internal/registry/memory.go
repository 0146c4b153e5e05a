package registry

import (
	"context"
	"sync"
)

// MemoryStore is a Store kept entirely in memory. Records do not survive a
// restart; it backs tests and throwaway servers.
type MemoryStore struct {
	mu     sync.RWMutex
	images map[string]*ImageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{images: make(map[string]*ImageRecord)}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, rec *ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	s.images[rec.ID] = &recCopy
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.images[id]
	if !ok {
		return nil, nil
	}
	recCopy := *rec
	return &recCopy, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.images[id]
	delete(s.images, id)
	return ok, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]ImageRecord, error) {
	s.mu.RLock()
	out := make([]ImageRecord, 0, len(s.images))
	for _, rec := range s.images {
		out = append(out, *rec)
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images), nil
}

func (s *MemoryStore) PutAll(ctx context.Context, recs []ImageRecord, replace bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if replace {
		s.images = make(map[string]*ImageRecord, len(recs))
	}
	for i := range recs {
		recCopy := recs[i]
		s.images[recCopy.ID] = &recCopy
	}
	return len(recs), nil
}
