package csrf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const tokenPrefix = "csrf:"

// RedisStore implements the Store interface using Redis key expiry
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed CSRF token store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Put stores a token with expiration
func (s *RedisStore) Put(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return errors.New("empty token")
	}
	if err := s.client.Set(ctx, tokenPrefix+token, "1", ttl).Err(); err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	return nil
}

// Take atomically reads and deletes the token. Redis drops expired keys, so
// an expired token reads as unknown.
func (s *RedisStore) Take(ctx context.Context, token string) error {
	if token == "" {
		return ErrInvalidToken
	}

	if err := s.client.GetDel(ctx, tokenPrefix+token).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrInvalidToken
		}
		return fmt.Errorf("checking token: %w", err)
	}
	return nil
}

// CheckHealth verifies Redis connectivity
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
