package deviceflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/wrale/copilot-auth-proxy/internal/oauth"
)

// PollForToken polls the token endpoint until the user authorizes the device,
// the code expires, the user denies, or maxAttempts polls were issued.
//
// Every iteration waits first and then issues exactly one request, so the
// first poll happens one interval after entry. Each slow_down permanently
// adds SlowDownIncrement to the interval for the rest of the loop. The
// attempt budget counts requests, not wall-clock time.
func (c *Client) PollForToken(ctx context.Context, clientID, deviceCode, endpoint string, interval time.Duration, maxAttempts int) (*oauth2.Token, error) {
	if interval <= 0 {
		interval = c.defaultInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = c.maxAttempts
	}

	form := url.Values{
		"client_id":   {clientID},
		"device_code": {deviceCode},
		"grant_type":  {GrantTypeDeviceCode},
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.wait(ctx, interval); err != nil {
			return nil, err
		}

		resp, err := c.pollOnce(ctx, endpoint, form)
		if err != nil {
			return nil, err
		}

		if resp.AccessToken != "" {
			c.logger.Info("device authorized", "attempts", attempt)
			return tokenFromResponse(resp, c.now()), nil
		}

		switch resp.Error {
		case ErrorCodeAuthorizationPending:
			c.logger.Debug("authorization pending", "attempt", attempt)
		case ErrorCodeSlowDown:
			interval += SlowDownIncrement
			c.logger.Debug("slow down requested", "attempt", attempt, "interval", interval)
		case ErrorCodeExpiredToken:
			return nil, ErrCodeExpired
		case ErrorCodeAccessDenied:
			return nil, ErrAuthorizationDenied
		default:
			return nil, &OAuthError{Code: resp.Error, Description: resp.ErrorDescription}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrPollTimeout, maxAttempts)
}

// pollOnce issues a single device access token request per RFC 8628 section 3.4
func (c *Client) pollOnce(ctx context.Context, endpoint string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &oauth.NetworkError{Op: "token poll", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &oauth.NetworkError{Op: "reading token response", Err: err}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &OAuthError{
			Code:        ErrorCodeServerError,
			Description: fmt.Sprintf("unreadable token response (status %d): %s", resp.StatusCode, truncate(body)),
		}
	}

	if tr.AccessToken == "" && tr.Error == "" {
		return nil, &OAuthError{
			Code:        ErrorCodeServerError,
			Description: fmt.Sprintf("token response without access_token or error (status %d)", resp.StatusCode),
		}
	}

	return &tr, nil
}

func tokenFromResponse(tr *tokenResponse, now time.Time) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok.WithExtra(map[string]interface{}{"scope": tr.Scope})
}
