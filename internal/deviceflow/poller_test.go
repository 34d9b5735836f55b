package deviceflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wrale/copilot-auth-proxy/internal/oauth"
)

const (
	pending  = `{"error":"authorization_pending","error_description":"waiting"}`
	slowDown = `{"error":"slow_down","interval":10}`
	granted  = `{"access_token":"ghu_xxx","token_type":"bearer","scope":"read:user"}`
)

func TestPollForToken(t *testing.T) {
	tests := []struct {
		name        string
		script      []string
		maxAttempts int
		wantToken   string
		wantErr     error
		wantPolls   int
		wantWaits   []time.Duration
	}{
		{
			name:      "pending twice then granted",
			script:    []string{pending, pending, granted},
			wantToken: "ghu_xxx",
			wantPolls: 3,
			wantWaits: []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second},
		},
		{
			name:      "slow down is cumulative",
			script:    []string{slowDown, pending, slowDown, pending, granted},
			wantToken: "ghu_xxx",
			wantPolls: 5,
			wantWaits: []time.Duration{
				5 * time.Second,
				10 * time.Second,
				10 * time.Second,
				15 * time.Second,
				15 * time.Second,
			},
		},
		{
			name:      "expired",
			script:    []string{pending, `{"error":"expired_token"}`},
			wantErr:   ErrCodeExpired,
			wantPolls: 2,
			wantWaits: []time.Duration{5 * time.Second, 5 * time.Second},
		},
		{
			name:      "denied",
			script:    []string{`{"error":"access_denied"}`},
			wantErr:   ErrAuthorizationDenied,
			wantPolls: 1,
			wantWaits: []time.Duration{5 * time.Second},
		},
		{
			name:      "unknown error",
			script:    []string{`{"error":"incorrect_client_credentials","error_description":"bad client"}`},
			wantErr:   ErrOAuth,
			wantPolls: 1,
			wantWaits: []time.Duration{5 * time.Second},
		},
		{
			name:        "attempts exhausted",
			script:      []string{pending},
			maxAttempts: 4,
			wantErr:     ErrPollTimeout,
			wantPolls:   4,
			wantWaits:   []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second},
		},
		{
			name:        "slow down extends wait but not attempts",
			script:      []string{slowDown},
			maxAttempts: 3,
			wantErr:     ErrPollTimeout,
			wantPolls:   3,
			wantWaits:   []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeAuthServer(t)
			srv.script(tt.script...)
			waits := &waitRecorder{}
			client := newTestClient(waits)

			token, err := client.PollForToken(context.Background(), "Iv1.test", "D1", srv.tokenURL(), 5*time.Second, tt.maxAttempts)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("PollForToken() error = %v, want %v", err, tt.wantErr)
				}
			} else {
				if err != nil {
					t.Fatalf("PollForToken() unexpected error = %v", err)
				}
				if token.AccessToken != tt.wantToken {
					t.Errorf("AccessToken = %q, want %q", token.AccessToken, tt.wantToken)
				}
			}

			if got := srv.polls(); got != tt.wantPolls {
				t.Errorf("polls = %d, want %d", got, tt.wantPolls)
			}
			if diff := cmp.Diff(tt.wantWaits, waits.recorded()); diff != "" {
				t.Errorf("waits mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPollForTokenRequestShape(t *testing.T) {
	srv := newFakeAuthServer(t)
	srv.script(granted)
	client := newTestClient(&waitRecorder{})

	token, err := client.PollForToken(context.Background(), "Iv1.test", "D1", srv.tokenURL(), 0, 0)
	if err != nil {
		t.Fatalf("PollForToken() error = %v", err)
	}
	if got := token.Extra("scope"); got != "read:user" {
		t.Errorf("scope extra = %v, want read:user", got)
	}

	forms := srv.tokenRequests()
	if len(forms) != 1 {
		t.Fatalf("polls = %d, want 1", len(forms))
	}
	want := map[string]string{
		"client_id":   "Iv1.test",
		"device_code": "D1",
		"grant_type":  "urn:ietf:params:oauth:grant-type:device_code",
	}
	for k, v := range want {
		if got := forms[0].Get(k); got != v {
			t.Errorf("form %s = %q, want %q", k, got, v)
		}
	}
}

func TestPollForTokenDefaultsInterval(t *testing.T) {
	srv := newFakeAuthServer(t)
	srv.script(granted)
	waits := &waitRecorder{}
	client := newTestClient(waits)

	if _, err := client.PollForToken(context.Background(), "Iv1.test", "D1", srv.tokenURL(), 0, 0); err != nil {
		t.Fatalf("PollForToken() error = %v", err)
	}
	if diff := cmp.Diff([]time.Duration{DefaultPollInterval}, waits.recorded()); diff != "" {
		t.Errorf("waits mismatch (-want +got):\n%s", diff)
	}
}

func TestPollForTokenOAuthErrorDetails(t *testing.T) {
	srv := newFakeAuthServer(t)
	srv.script(`{"error":"unsupported_grant_type","error_description":"nope"}`)
	client := newTestClient(&waitRecorder{})

	_, err := client.PollForToken(context.Background(), "Iv1.test", "D1", srv.tokenURL(), time.Second, 1)
	var oErr *OAuthError
	if !errors.As(err, &oErr) {
		t.Fatalf("expected *OAuthError, got %v", err)
	}
	if oErr.Code != "unsupported_grant_type" || oErr.Description != "nope" {
		t.Errorf("OAuthError = %+v", oErr)
	}
}

func TestPollForTokenRFCStatusCodes(t *testing.T) {
	srv := newFakeAuthServer(t)
	srv.tokenScript = []scripted{
		{status: http.StatusBadRequest, body: pending},
		{status: http.StatusBadRequest, body: slowDown},
		{status: http.StatusOK, body: granted},
	}
	waits := &waitRecorder{}
	client := newTestClient(waits)

	token, err := client.PollForToken(context.Background(), "Iv1.test", "D1", srv.tokenURL(), 5*time.Second, 0)
	if err != nil {
		t.Fatalf("PollForToken() error = %v", err)
	}
	if token.AccessToken != "ghu_xxx" {
		t.Errorf("AccessToken = %q", token.AccessToken)
	}
	want := []time.Duration{5 * time.Second, 5 * time.Second, 10 * time.Second}
	if diff := cmp.Diff(want, waits.recorded()); diff != "" {
		t.Errorf("waits mismatch (-want +got):\n%s", diff)
	}
}

func TestPollForTokenMalformedResponse(t *testing.T) {
	srv := newFakeAuthServer(t)
	srv.tokenScript = []scripted{{status: http.StatusBadGateway, body: `<html>bad gateway</html>`}}
	client := newTestClient(&waitRecorder{})

	_, err := client.PollForToken(context.Background(), "Iv1.test", "D1", srv.tokenURL(), time.Second, 0)
	var oErr *OAuthError
	if !errors.As(err, &oErr) {
		t.Fatalf("expected *OAuthError, got %v", err)
	}
	if oErr.Code != ErrorCodeServerError {
		t.Errorf("Code = %q, want %q", oErr.Code, ErrorCodeServerError)
	}
	if srv.polls() != 1 {
		t.Errorf("polls = %d, want 1", srv.polls())
	}
}

func TestPollForTokenNetworkError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	endpoint := dead.URL
	dead.Close()

	client := newTestClient(&waitRecorder{})
	_, err := client.PollForToken(context.Background(), "Iv1.test", "D1", endpoint, time.Second, 0)
	if !errors.Is(err, oauth.ErrNetwork) {
		t.Fatalf("PollForToken() error = %v, want network error", err)
	}
	if errors.Is(err, ErrAuthorizationDenied) {
		t.Error("network failure must not read as a denial")
	}
}

func TestPollForTokenCancellation(t *testing.T) {
	srv := newFakeAuthServer(t)
	srv.script(pending)
	client := NewClient() // real timer based wait

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.PollForToken(ctx, "Iv1.test", "D1", srv.tokenURL(), time.Hour, 0)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("PollForToken() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop did not stop after cancellation")
	}

	if srv.polls() != 0 {
		t.Errorf("polls = %d, want 0 after cancellation during the first wait", srv.polls())
	}
}

func TestPollForTokenStopsAfterCancelBetweenPolls(t *testing.T) {
	srv := newFakeAuthServer(t)
	srv.script(pending)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	client := NewClient(withWait(func(ctx context.Context, d time.Duration) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return ctx.Err()
	}))

	_, err := client.PollForToken(ctx, "Iv1.test", "D1", srv.tokenURL(), time.Second, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("PollForToken() error = %v, want context.Canceled", err)
	}
	if srv.polls() != 2 {
		t.Errorf("polls = %d, want 2", srv.polls())
	}
}
