package deviceflow

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every request.
// The client timeout bounds each network call independently of poll pacing.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *log.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithMaxAttempts sets the poll attempt budget
func WithMaxAttempts(n int) Option {
	return func(cl *Client) {
		cl.maxAttempts = n
	}
}

// WithDefaultInterval sets the poll interval used when the server sends none
func WithDefaultInterval(d time.Duration) Option {
	return func(cl *Client) {
		cl.defaultInterval = d
	}
}

// withWait replaces the poll sleep, used by tests to avoid real delays
func withWait(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(cl *Client) {
		cl.wait = fn
	}
}
