package deviceflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/wrale/copilot-auth-proxy/internal/oauth"
)

// Exchanger turns the OAuth access token into a session token.
// Both *oauth.Exchanger and *tokencache.Cache satisfy it.
type Exchanger interface {
	Exchange(ctx context.Context, credential string) (*oauth.SessionToken, error)
}

// Flow sequences device code request, polling and token exchange
type Flow struct {
	client    *Client
	exchanger Exchanger
	logger    *log.Logger
	now       func() time.Time
}

// NewFlow creates a device flow orchestrator
func NewFlow(client *Client, exchanger Exchanger) *Flow {
	return &Flow{
		client:    client,
		exchanger: exchanger,
		logger:    client.logger,
		now:       client.now,
	}
}

// Run executes one complete device flow. It never returns an error nor
// panics: every failure becomes a single error event and a failed FlowResult.
// Network calls are strictly sequential.
func (f *Flow) Run(ctx context.Context, req Request, onProgress ProgressFunc) (result FlowResult) {
	notify := func(ev ProgressEvent) {
		ev.At = f.now().UTC()
		f.notify(onProgress, ev)
	}

	defer func() {
		if r := recover(); r != nil {
			result = f.fail(fmt.Errorf("device flow aborted: %v", r), notify)
		}
	}()

	notify(ProgressEvent{Status: StatusRequestingDeviceCode, Message: "Requesting device code"})

	grant, err := f.client.RequestDeviceCode(ctx, req.ClientID, req.Scope, req.DeviceCodeURL)
	if err != nil {
		return f.fail(fmt.Errorf("requesting device code: %w", err), notify)
	}

	awaiting := ProgressEvent{
		Status:                  StatusAwaitingAuthorization,
		Message:                 fmt.Sprintf("Enter code %s at %s", grant.UserCode, grant.VerificationURI),
		UserCode:                grant.UserCode,
		VerificationURI:         grant.VerificationURI,
		VerificationURIComplete: grant.VerificationURIComplete,
		ExpiresIn:               grant.ExpiresIn,
	}
	if !grant.ExpiresAt.IsZero() {
		expiresAt := grant.ExpiresAt.UTC()
		awaiting.ExpiresAt = &expiresAt
	}
	notify(awaiting)

	interval := time.Duration(grant.Interval) * time.Second
	token, err := f.client.PollForToken(ctx, req.ClientID, grant.DeviceCode, req.TokenURL, interval, 0)
	if err != nil {
		return f.fail(fmt.Errorf("waiting for authorization: %w", err), notify)
	}

	notify(ProgressEvent{Status: StatusTokenObtained, Message: "Authorization granted, exchanging token"})

	session, err := f.exchanger.Exchange(ctx, token.AccessToken)
	if err != nil {
		return f.fail(fmt.Errorf("exchanging token: %w", err), notify)
	}

	expiresAt := session.ExpiresAt.UTC()
	notify(ProgressEvent{Status: StatusComplete, Message: "Authentication complete", ExpiresAt: &expiresAt})
	f.logger.Info("device flow complete", "session", session.Redacted(), "expires_at", expiresAt)

	return FlowResult{
		Success:     true,
		AccessToken: token.AccessToken,
		Session:     session,
		ExpiresAt:   session.ExpiresAt,
	}
}

func (f *Flow) fail(err error, notify func(ProgressEvent)) FlowResult {
	msg := Describe(err)
	f.logger.Warn("device flow failed", "error", err)
	notify(ProgressEvent{Status: StatusError, Message: msg})

	return FlowResult{
		Success:   false,
		Message:   msg,
		ErrorKind: Kind(err),
		Err:       err,
	}
}

// notify delivers an event; a panicking listener must not break the flow
func (f *Flow) notify(onProgress ProgressFunc, ev ProgressEvent) {
	if onProgress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("progress listener panicked", "status", ev.Status, "panic", r)
		}
	}()
	onProgress(ev)
}

// Describe returns the human readable message shown to the user for err
func Describe(err error) string {
	switch {
	case errors.Is(err, ErrCodeExpired):
		return "The device code expired before authorization completed. Start the sign-in again."
	case errors.Is(err, ErrAuthorizationDenied):
		return "Authorization was denied. Start the sign-in again to retry."
	case errors.Is(err, ErrPollTimeout):
		return "Timed out waiting for authorization. Start the sign-in again."
	case errors.Is(err, context.Canceled):
		return "The sign-in was cancelled."
	case errors.Is(err, context.DeadlineExceeded):
		return "The sign-in took too long and was stopped."
	default:
		return err.Error()
	}
}

// Kind classifies err for machine consumers of a FlowResult
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRequestFailed):
		return "request_failed"
	case errors.Is(err, ErrCodeExpired):
		return "code_expired"
	case errors.Is(err, ErrAuthorizationDenied):
		return "authorization_denied"
	case errors.Is(err, ErrPollTimeout):
		return "poll_timeout"
	case errors.Is(err, ErrOAuth):
		return "oauth_error"
	case errors.Is(err, oauth.ErrExchangeFailed):
		return "exchange_failed"
	case errors.Is(err, oauth.ErrInvalidCredentialFormat):
		return "invalid_credential_format"
	case errors.Is(err, oauth.ErrNetwork):
		return "network_error"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return "internal_error"
	}
}
