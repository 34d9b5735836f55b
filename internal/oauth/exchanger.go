package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultExchangeURL is the Copilot session token endpoint
	DefaultExchangeURL = "https://api.github.com/copilot_internal/v2/token"

	// FallbackLifetime is the synthesized expiry of a fallback session token
	FallbackLifetime = 8 * time.Hour

	// HTTP request timeouts
	defaultTimeout = 10 * time.Second

	// Cap on response bodies kept for error reporting
	maxErrorBody = 4 << 10
)

// Exchanger converts an OAuth access token into a session token
type Exchanger struct {
	client  *http.Client
	url     string
	headers map[string]string
	logger  *log.Logger
	now     func() time.Time
}

// ExchangerConfig holds exchanger settings
type ExchangerConfig struct {
	URL        string
	HTTPClient *http.Client
	Headers    map[string]string // Extra headers sent on every exchange
	Logger     *log.Logger
}

// NewExchanger creates a new exchanger
func NewExchanger(cfg ExchangerConfig) (*Exchanger, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultExchangeURL
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid exchange URL: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}

	return &Exchanger{
		client:  cfg.HTTPClient,
		url:     cfg.URL,
		headers: cfg.Headers,
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

// exchangeResponse is the wire format of the exchange endpoint
type exchangeResponse struct {
	Token       string `json:"token"`
	ExpiresAt   int64  `json:"expires_at"`
	RefreshIn   int    `json:"refresh_in"`
	SKU         string `json:"sku"`
	ChatEnabled bool   `json:"chat_enabled"`
}

// Exchange performs one exchange call and surfaces every failure.
// This is the path used by the token cache and the device flow.
func (e *Exchanger) Exchange(ctx context.Context, credential string) (*SessionToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating exchange request: %w", err)
	}
	req.Header.Set("Authorization", "token "+credential)
	req.Header.Set("Accept", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{Op: "token exchange", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "reading exchange response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ExchangeError{StatusCode: resp.StatusCode, Body: truncate(body)}
	}

	var payload exchangeResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ExchangeError{StatusCode: resp.StatusCode, Body: "invalid response body: " + err.Error()}
	}
	if payload.Token == "" {
		return nil, &ExchangeError{StatusCode: resp.StatusCode, Body: "response missing token"}
	}

	token := &SessionToken{
		Token:       payload.Token,
		ExpiresAt:   time.Unix(payload.ExpiresAt, 0),
		RefreshIn:   payload.RefreshIn,
		SKU:         payload.SKU,
		ChatEnabled: payload.ChatEnabled,
	}

	e.logger.Debug("exchanged session token", "token", token.Redacted(), "expires_at", token.ExpiresAt.UTC(), "sku", token.SKU)
	return token, nil
}

// ExchangeOrFallback tolerates a failed exchange by returning the input
// credential itself as the session token with a FallbackLifetime expiry.
// The credential is frequently accepted by the downstream API as is, so
// best-effort callers use this instead of failing outright.
func (e *Exchanger) ExchangeOrFallback(ctx context.Context, credential string) (*SessionToken, error) {
	token, err := e.Exchange(ctx, credential)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, ErrExchangeFailed) && !errors.Is(err, ErrNetwork) {
		return nil, err
	}

	e.logger.Warn("token exchange failed, falling back to credential", "credential", Redact(credential), "error", err)
	return &SessionToken{
		Token:     credential,
		ExpiresAt: e.now().Add(FallbackLifetime),
		Fallback:  true,
	}, nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return string(body)
}
