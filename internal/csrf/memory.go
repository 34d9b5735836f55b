package csrf

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps issued tokens in process memory
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory token store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Put stores a token and sweeps expired ones
func (s *MemoryStore) Put(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return errors.New("empty token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for t, exp := range s.tokens {
		if now.After(exp) {
			delete(s.tokens, t)
		}
	}
	s.tokens[token] = now.Add(ttl)
	return nil
}

// Take redeems a token once
func (s *MemoryStore) Take(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.tokens[token]
	if !ok {
		return ErrInvalidToken
	}
	delete(s.tokens, token)

	if s.now().After(exp) {
		return ErrTokenExpired
	}
	return nil
}

// CheckHealth always succeeds
func (s *MemoryStore) CheckHealth(ctx context.Context) error {
	return nil
}
