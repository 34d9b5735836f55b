package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const flowPrefix = "flow:"

// RedisStore implements the Store interface using Redis. Each record is one
// JSON value whose TTL follows the record expiry.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// CheckHealth verifies Redis connectivity
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Save stores a record with expiration
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return ErrExpiredRecord
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling flow session: %w", err)
	}

	if err := s.client.Set(ctx, flowPrefix+rec.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("saving flow session: %w", err)
	}
	return nil
}

// Get retrieves a record
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, flowPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting flow session: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling flow session: %w", err)
	}
	return &rec, nil
}

// Delete removes a record
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, flowPrefix+id).Err(); err != nil {
		return fmt.Errorf("deleting flow session: %w", err)
	}
	return nil
}
