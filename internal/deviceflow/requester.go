package deviceflow

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/wrale/copilot-auth-proxy/internal/oauth"
	"github.com/wrale/copilot-auth-proxy/internal/validation"
)

// RequestDeviceCode requests a device and user code per RFC 8628 section 3.1.
// It makes exactly one request and never retries.
func (c *Client) RequestDeviceCode(ctx context.Context, clientID, scope, endpoint string) (*DeviceAuthorizationGrant, error) {
	if clientID == "" {
		return nil, &validation.ValidationError{Field: "client_id", Message: "is required"}
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, &validation.ValidationError{Field: "device code endpoint", Message: err.Error()}
	}

	cfg := &oauth2.Config{
		ClientID: clientID,
		Scopes:   strings.Fields(scope),
		Endpoint: oauth2.Endpoint{DeviceAuthURL: endpoint},
	}

	requestedAt := c.now()
	resp, err := cfg.DeviceAuth(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, deviceAuthError(err)
	}

	if resp.DeviceCode == "" {
		return nil, &RequestFailedError{StatusCode: http.StatusOK, Body: "response missing device_code"}
	}
	if strings.TrimSpace(resp.UserCode) == "" {
		return nil, &RequestFailedError{StatusCode: http.StatusOK, Body: "response missing user_code"}
	}

	grant := &DeviceAuthorizationGrant{
		DeviceCode:              resp.DeviceCode,
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		Interval:                int(resp.Interval),
	}
	if !resp.Expiry.IsZero() {
		grant.ExpiresAt = resp.Expiry
		grant.ExpiresIn = int(resp.Expiry.Sub(requestedAt).Round(time.Second) / time.Second)
	}
	if grant.Interval <= 0 {
		grant.Interval = int(c.defaultInterval / time.Second)
	}

	c.logger.Info("device code issued",
		"user_code", grant.UserCode,
		"verification_uri", grant.VerificationURI,
		"expires_in", grant.ExpiresIn,
		"interval", grant.Interval)

	return grant, nil
}

// deviceAuthError maps x/oauth2 failures onto the device flow error taxonomy
func deviceAuthError(err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		return &RequestFailedError{StatusCode: status, Body: truncate(rErr.Body)}
	}

	var uErr *url.Error
	if errors.As(err, &uErr) {
		return &oauth.NetworkError{Op: "device code request", Err: err}
	}

	return &RequestFailedError{StatusCode: http.StatusOK, Body: err.Error()}
}
