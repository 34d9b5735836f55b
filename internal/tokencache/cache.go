// Package tokencache keeps session tokens per input credential so repeated
// callers skip the exchange round trip while a token is still live.
package tokencache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/wrale/copilot-auth-proxy/internal/oauth"
	"github.com/wrale/copilot-auth-proxy/internal/validation"
)

// DefaultBuffer is the margin before expiry at which an entry is refreshed
const DefaultBuffer = 2 * time.Minute

// Exchanger is the subset of *oauth.Exchanger used by the cache
type Exchanger interface {
	Exchange(ctx context.Context, credential string) (*oauth.SessionToken, error)
	ExchangeOrFallback(ctx context.Context, credential string) (*oauth.SessionToken, error)
}

// CacheEntry is one cached session token
type CacheEntry struct {
	Token    *oauth.SessionToken
	StoredAt time.Time
}

// Cache maps credentials to session tokens. It is safe for concurrent use.
// Entries live in memory only and are never persisted.
type Cache struct {
	exchanger Exchanger
	buffer    time.Duration
	prefixes  []string
	logger    *log.Logger
	now       func() time.Time

	mu         sync.RWMutex
	entries    map[string]CacheEntry
	machineIDs map[string]string

	// Bumped by Clear (per key) and Reset (epoch); an exchange stores its
	// result only if neither moved while it ran
	generations map[string]uint64
	epoch       uint64

	group singleflight.Group
}

// New creates an empty cache in front of exchanger
func New(exchanger Exchanger, opts ...Option) *Cache {
	c := &Cache{
		exchanger:  exchanger,
		buffer:     DefaultBuffer,
		prefixes:   validation.DefaultCredentialPrefixes,
		logger:     log.New(io.Discard),
		now:        time.Now,
		entries:    make(map[string]CacheEntry),
		machineIDs: make(map[string]string),

		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// key derives the map key; the raw credential is never stored
func key(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) validate(credential string) error {
	if err := validation.ValidateCredential(credential, c.prefixes); err != nil {
		return fmt.Errorf("%w: %w", oauth.ErrInvalidCredentialFormat, err)
	}
	return nil
}

// live returns the entry for k if it stays valid beyond the buffer
func (c *Cache) live(k string) (*oauth.SessionToken, bool) {
	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok || !entry.Token.ValidFor(c.now(), c.buffer) {
		return nil, false
	}
	return entry.Token.Clone(), true
}

// generation identifies the clear state of k at the start of an exchange
type generation struct {
	epoch uint64
	gen   uint64
}

func (c *Cache) generation(k string) generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return generation{epoch: c.epoch, gen: c.generations[k]}
}

// store saves token unless k was cleared since g was taken
func (c *Cache) store(k string, token *oauth.SessionToken, g generation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != g.epoch || c.generations[k] != g.gen {
		return false
	}
	c.entries[k] = CacheEntry{Token: token.Clone(), StoredAt: c.now()}
	return true
}

// GetOrRefresh returns a live cached session token for credential or
// exchanges it. Concurrent misses for the same credential share one exchange.
// A failed exchange leaves the cache untouched.
func (c *Cache) GetOrRefresh(ctx context.Context, credential string) (*oauth.SessionToken, error) {
	if err := c.validate(credential); err != nil {
		return nil, err
	}

	k := key(credential)
	if token, ok := c.live(k); ok {
		return token, nil
	}

	// The shared exchange must not die with whichever caller started it
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k, func() (interface{}, error) {
		if token, ok := c.live(k); ok {
			return token, nil
		}

		g := c.generation(k)
		token, err := c.exchanger.Exchange(flightCtx, credential)
		if err != nil {
			c.logger.Warn("session token refresh failed", "credential", oauth.Redact(credential), "error", err)
			return nil, err
		}

		if !c.store(k, token, g) {
			c.logger.Debug("cache cleared during exchange, token not cached", "credential", oauth.Redact(credential))
			return token, nil
		}
		c.logger.Debug("session token cached", "credential", oauth.Redact(credential), "expires_at", token.ExpiresAt.UTC())
		return token, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth.SessionToken).Clone(), nil
	}
}

// Exchange lets the cache stand in for an exchanger so freshly obtained
// credentials land in the cache
func (c *Cache) Exchange(ctx context.Context, credential string) (*oauth.SessionToken, error) {
	return c.GetOrRefresh(ctx, credential)
}

// BestEffort returns a live cached token or the result of a tolerant
// exchange. Fallback tokens are handed out but never cached.
func (c *Cache) BestEffort(ctx context.Context, credential string) (*oauth.SessionToken, error) {
	if err := c.validate(credential); err != nil {
		return nil, err
	}

	k := key(credential)
	if token, ok := c.live(k); ok {
		return token, nil
	}

	g := c.generation(k)
	token, err := c.exchanger.ExchangeOrFallback(ctx, credential)
	if err != nil {
		return nil, err
	}
	if !token.Fallback {
		c.store(k, token, g)
	}
	return token, nil
}

// NeedsRefresh reports whether credential has no entry or one expiring
// within buffer. A non-positive buffer uses the configured one.
func (c *Cache) NeedsRefresh(credential string, buffer time.Duration) bool {
	if buffer <= 0 {
		buffer = c.buffer
	}

	c.mu.RLock()
	entry, ok := c.entries[key(credential)]
	c.mu.RUnlock()

	return !ok || !entry.Token.ValidFor(c.now(), buffer)
}

// Peek returns the cached entry without refreshing it
func (c *Cache) Peek(credential string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key(credential)]
	if !ok {
		return CacheEntry{}, false
	}
	entry.Token = entry.Token.Clone()
	return entry, true
}

// Clear drops the entry and machine identifier for credential. An exchange
// already running for it still answers its callers but is not cached.
func (c *Cache) Clear(credential string) {
	k := key(credential)

	c.mu.Lock()
	delete(c.entries, k)
	delete(c.machineIDs, k)
	c.generations[k]++
	c.mu.Unlock()

	c.group.Forget(k)
}

// MachineID returns a stable random identifier for credential, created on
// first use and dropped by Clear
func (c *Cache) MachineID(credential string) string {
	k := key(credential)

	c.mu.RLock()
	id, ok := c.machineIDs[k]
	c.mu.RUnlock()
	if ok {
		return id
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.machineIDs[k]; ok {
		return id
	}
	id = uuid.NewString()
	c.machineIDs[k] = id
	return id
}

// Len returns the number of cached entries, live or not
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Reset drops every entry and machine identifier. Exchanges running at the
// time are not cached.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]CacheEntry)
	c.machineIDs = make(map[string]string)
	c.generations = make(map[string]uint64)
	c.epoch++
	c.mu.Unlock()
}
