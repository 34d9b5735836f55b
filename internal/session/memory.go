package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Expired records are dropped
// lazily on access.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Save stores a copy of rec
func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	now := s.now()
	if !rec.ExpiresAt.After(now) {
		return ErrExpiredRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.records {
		if !r.ExpiresAt.After(now) {
			delete(s.records, id)
		}
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// Get returns a copy of the record, or nil if it is missing or expired
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()

	if !ok || !rec.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Delete removes a record
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// CheckHealth always succeeds
func (s *MemoryStore) CheckHealth(ctx context.Context) error {
	return nil
}
