// Package oauth exchanges OAuth access tokens for Copilot session tokens
package oauth

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the exchanger and its callers
var (
	// ErrExchangeFailed indicates the exchange endpoint rejected the credential
	ErrExchangeFailed = errors.New("token exchange failed")

	// ErrInvalidCredentialFormat indicates a credential without a known prefix
	ErrInvalidCredentialFormat = errors.New("invalid credential format")

	// ErrNetwork indicates a transport level failure, including timeouts
	ErrNetwork = errors.New("network error")
)

// redactedPrefixLen is how much of a secret survives redaction
const redactedPrefixLen = 8

// SessionToken is the short-lived credential used against the downstream API
type SessionToken struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	RefreshIn   int       `json:"refresh_in,omitempty"` // Hint in seconds
	SKU         string    `json:"sku,omitempty"`
	ChatEnabled bool      `json:"chat_enabled,omitempty"`

	// Fallback marks a token synthesized from the input credential after a
	// failed best-effort exchange
	Fallback bool `json:"fallback,omitempty"`
}

// Redacted returns a short prefix of the token suitable for logs
func (t *SessionToken) Redacted() string {
	if t == nil {
		return ""
	}
	return Redact(t.Token)
}

// String implements fmt.Stringer without leaking the token
func (t *SessionToken) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("SessionToken{%s expires=%s}", t.Redacted(), t.ExpiresAt.UTC().Format(time.RFC3339))
}

// ValidFor reports whether the token stays valid for at least d from now
func (t *SessionToken) ValidFor(now time.Time, d time.Duration) bool {
	if t == nil || t.Token == "" {
		return false
	}
	return t.ExpiresAt.After(now.Add(d))
}

// Clone returns a copy that callers may mutate freely
func (t *SessionToken) Clone() *SessionToken {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Redact shortens a secret to a fixed prefix
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= redactedPrefixLen {
		return "[REDACTED]"
	}
	return secret[:redactedPrefixLen] + "..."
}

// ExchangeError is returned when the exchange endpoint answers with a non-success status
type ExchangeError struct {
	StatusCode int
	Body       string
}

func (e *ExchangeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("token exchange failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("token exchange failed: status %d: %s", e.StatusCode, e.Body)
}

// Is lets errors.Is match ErrExchangeFailed
func (e *ExchangeError) Is(target error) bool {
	return target == ErrExchangeFailed
}

// NetworkError wraps a transport failure for a named operation
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrNetwork
func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// Timeout reports whether the underlying failure was a timeout
func (e *NetworkError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}
