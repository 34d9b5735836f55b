package tokencache

import (
	"time"

	"github.com/charmbracelet/log"
)

// Option configures a Cache
type Option func(*Cache)

// WithBuffer sets how long before expiry an entry stops being served
func WithBuffer(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.buffer = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *log.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPrefixes overrides the accepted credential prefixes
func WithPrefixes(prefixes []string) Option {
	return func(c *Cache) {
		if len(prefixes) > 0 {
			c.prefixes = prefixes
		}
	}
}

// WithNow sets the clock, used by tests
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}
