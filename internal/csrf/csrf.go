// Package csrf issues single-use tokens that the browser front end must
// present before it may start a device flow
package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultLifetime is how long an issued token stays redeemable
const DefaultLifetime = 15 * time.Minute

var (
	// ErrInvalidToken indicates a missing, forged or already used token
	ErrInvalidToken = errors.New("invalid csrf token")

	// ErrTokenExpired indicates the token outlived its lifetime
	ErrTokenExpired = errors.New("csrf token expired")
)

// Store remembers issued tokens until they are redeemed or expire
type Store interface {
	// Put records an issued token for ttl
	Put(ctx context.Context, token string, ttl time.Duration) error

	// Take redeems a token, removing it so it cannot be used twice
	Take(ctx context.Context, token string) error

	// CheckHealth verifies the store is operational
	CheckHealth(ctx context.Context) error
}

// Token is an issued CSRF token
type Token struct {
	Value     string    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager issues and verifies HMAC-signed tokens
type Manager struct {
	store    Store
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewManager creates a token manager. A non-positive lifetime uses
// DefaultLifetime.
func NewManager(store Store, secret []byte, lifetime time.Duration) (*Manager, error) {
	if len(secret) < 16 {
		return nil, errors.New("csrf secret must be at least 16 bytes")
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Manager{
		store:    store,
		secret:   secret,
		lifetime: lifetime,
		now:      time.Now,
	}, nil
}

// RandomSecret returns a fresh secret for deployments that configure none.
// Tokens signed with it do not survive a restart.
func RandomSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating csrf secret: %w", err)
	}
	return secret, nil
}

// Issue creates and stores a new token
func (m *Manager) Issue(ctx context.Context) (*Token, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}

	payload := base64.RawURLEncoding.EncodeToString(nonce)
	value := payload + "." + base64.RawURLEncoding.EncodeToString(m.sign(payload))

	if err := m.store.Put(ctx, value, m.lifetime); err != nil {
		return nil, fmt.Errorf("saving token: %w", err)
	}

	return &Token{Value: value, ExpiresAt: m.now().Add(m.lifetime).UTC()}, nil
}

// Verify checks the signature and redeems the token. A token verifies at
// most once.
func (m *Manager) Verify(ctx context.Context, value string) error {
	payload, sig, ok := strings.Cut(value, ".")
	if !ok || payload == "" {
		return ErrInvalidToken
	}

	actual, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return ErrInvalidToken
	}
	if !hmac.Equal(m.sign(payload), actual) {
		return ErrInvalidToken
	}

	if err := m.store.Take(ctx, value); err != nil {
		return fmt.Errorf("redeeming token: %w", err)
	}
	return nil
}

// CheckHealth verifies the token store
func (m *Manager) CheckHealth(ctx context.Context) error {
	if err := m.store.CheckHealth(ctx); err != nil {
		return fmt.Errorf("csrf store health check failed: %w", err)
	}
	return nil
}

func (m *Manager) sign(payload string) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write([]byte(payload))
	return h.Sum(nil)
}
