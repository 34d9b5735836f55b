package deviceflow

import (
	"errors"
	"fmt"
)

// OAuth error codes returned by the token endpoint per RFC 8628 section 3.5
const (
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeServerError          = "server_error"
)

// Errors that end a device flow
var (
	// ErrRequestFailed indicates the device code request was rejected
	ErrRequestFailed = errors.New("device code request failed")

	// ErrCodeExpired indicates the device code expired; the flow must restart
	ErrCodeExpired = errors.New("device code expired, restart the device flow")

	// ErrAuthorizationDenied indicates the user declined the authorization
	ErrAuthorizationDenied = errors.New("authorization denied by user")

	// ErrPollTimeout indicates the poll attempt budget was exhausted
	ErrPollTimeout = errors.New("timed out waiting for authorization")

	// ErrOAuth matches any *OAuthError
	ErrOAuth = errors.New("oauth error")
)

// RequestFailedError carries the HTTP status and body of a failed device code request
type RequestFailedError struct {
	StatusCode int
	Body       string
}

func (e *RequestFailedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("device code request failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("device code request failed: status %d: %s", e.StatusCode, e.Body)
}

// Is lets errors.Is match ErrRequestFailed
func (e *RequestFailedError) Is(target error) bool {
	return target == ErrRequestFailed
}

// OAuthError is a server reported error the poller does not handle itself
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("oauth error: %s", e.Code)
	}
	return fmt.Sprintf("oauth error: %s: %s", e.Code, e.Description)
}

// Is lets errors.Is match ErrOAuth
func (e *OAuthError) Is(target error) bool {
	return target == ErrOAuth
}
