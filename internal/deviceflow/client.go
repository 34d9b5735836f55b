// Package deviceflow implements the client side of the OAuth 2.0 Device
// Authorization Grant (RFC 8628): requesting a device code, polling the token
// endpoint, and orchestrating both with a token exchange.
package deviceflow

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultPollInterval is used when the server does not send an interval
	DefaultPollInterval = 5 * time.Second

	// SlowDownIncrement is added to the interval on every slow_down per RFC 8628 section 3.5
	SlowDownIncrement = 5 * time.Second

	// DefaultMaxAttempts bounds the poll loop, roughly 15 minutes at the default interval
	DefaultMaxAttempts = 180

	// DefaultTimeout bounds every individual network call
	DefaultTimeout = 10 * time.Second

	// Cap on response bodies kept for error reporting
	maxErrorBody = 4 << 10
)

// Client performs the network steps of the device flow
type Client struct {
	httpClient      *http.Client
	logger          *log.Logger
	maxAttempts     int
	defaultInterval time.Duration
	wait            func(ctx context.Context, d time.Duration) error
	now             func() time.Time
}

// NewClient creates a new device flow client with provided options
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:      &http.Client{Timeout: DefaultTimeout},
		logger:          log.New(io.Discard),
		maxAttempts:     DefaultMaxAttempts,
		defaultInterval: DefaultPollInterval,
		wait:            sleepContext,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.defaultInterval <= 0 {
		c.defaultInterval = DefaultPollInterval
	}

	return c
}

// sleepContext waits for d or until ctx is done, releasing the timer either way
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return string(body)
}
