package deviceflow

import (
	"time"

	"github.com/wrale/copilot-auth-proxy/internal/oauth"
)

// Status names a step of the device flow reported to progress listeners
type Status string

// Progress statuses in the order a successful flow emits them
const (
	StatusRequestingDeviceCode  Status = "requesting_device_code"
	StatusAwaitingAuthorization Status = "awaiting_authorization"
	StatusTokenObtained         Status = "token_obtained"
	StatusComplete              Status = "complete"
	StatusError                 Status = "error"
)

// Terminal reports whether no further events follow this status
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// ProgressEvent is one step of a device flow, safe to show to the end user
type ProgressEvent struct {
	Status  Status    `json:"status"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`

	// Set on awaiting_authorization
	UserCode                string `json:"user_code,omitempty"`
	VerificationURI         string `json:"verification_uri,omitempty"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in,omitempty"`

	// Code expiry on awaiting_authorization, session token expiry on complete
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ProgressFunc receives progress events synchronously
type ProgressFunc func(ProgressEvent)

// FlowResult is the uniform outcome of a device flow run
type FlowResult struct {
	Success     bool                `json:"success"`
	AccessToken string              `json:"access_token,omitempty"` // OAuth access token
	Session     *oauth.SessionToken `json:"session,omitempty"`
	ExpiresAt   time.Time           `json:"expires_at"` // Session token expiry
	Message     string              `json:"message,omitempty"`
	ErrorKind   string              `json:"error_kind,omitempty"`

	Err error `json:"-"`
}
