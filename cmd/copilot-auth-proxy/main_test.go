package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/wrale/copilot-auth-proxy/internal/validation"
)

const sessionToken = "tid=session;exp=1"

// fakeGitHub serves the device code, token, exchange and downstream API
// endpoints used by the commands
type fakeGitHub struct {
	mu       sync.Mutex
	pending  int  // authorization_pending answers before the grant
	deny     bool // answer access_denied instead of granting
	polls    int
	upstream []string // Authorization headers seen by the downstream API

	srv *httptest.Server
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{pending: 1}

	mux := http.NewServeMux()
	mux.HandleFunc("/login/device/code", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"device_code":               "D1",
			"user_code":                 "ABCD-1234",
			"verification_uri":          "https://github.com/login/device",
			"verification_uri_complete": "https://github.com/login/device?user_code=ABCD-1234",
			"expires_in":                900,
		})
	})
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.polls++
		polls, pending, deny := f.polls, f.pending, f.deny
		f.mu.Unlock()

		switch {
		case polls <= pending:
			writeJSON(w, http.StatusOK, map[string]string{"error": "authorization_pending"})
		case deny:
			writeJSON(w, http.StatusOK, map[string]string{"error": "access_denied"})
		default:
			writeJSON(w, http.StatusOK, map[string]string{"access_token": "ghu_granted", "token_type": "bearer"})
		}
	})
	mux.HandleFunc("/copilot_internal/v2/token", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "token ghu_granted", "token ghu_cli":
			writeJSON(w, http.StatusOK, map[string]any{
				"token":      sessionToken,
				"expires_at": time.Now().Add(30 * time.Minute).Unix(),
				"refresh_in": 1500,
				"sku":        "copilot_for_individuals",
			})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		}
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		f.mu.Lock()
		f.upstream = append(f.upstream, auth)
		f.mu.Unlock()

		if auth != "Bearer "+sessionToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": r.URL.Path})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitHub) setDeny() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deny = true
}

func (f *fakeGitHub) upstreamAuth() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.upstream...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(gh *fakeGitHub) Config {
	return Config{
		Port:               8080,
		LogLevel:           "error",
		ClientID:           "Iv1.test",
		Scope:              "read:user",
		DeviceCodeURL:      gh.srv.URL + "/login/device/code",
		TokenURL:           gh.srv.URL + "/login/oauth/access_token",
		HTTPTimeout:        5 * time.Second,
		PollInterval:       10 * time.Millisecond,
		MaxPollAttempts:    20,
		FlowLifetime:       time.Minute,
		ExchangeURL:        gh.srv.URL + "/copilot_internal/v2/token",
		RefreshBuffer:      2 * time.Minute,
		CredentialPrefixes: validation.DefaultCredentialPrefixes,
		UpstreamURL:        gh.srv.URL + "/api",
		CSRFSecret:         "0123456789abcdef0123456789abcdef",
		CSRFTokenExpiry:    time.Minute,
		ShutdownTimeout:    time.Second,
	}
}

func newTestCore(t *testing.T, gh *fakeGitHub) *core {
	t.Helper()
	c, err := newCore(testConfig(gh), log.New(io.Discard))
	if err != nil {
		t.Fatalf("newCore() error = %v", err)
	}
	return c
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CSRF_SECRET", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("EXCHANGE_HEADERS", "Editor-Version:vscode/1.95.0,Editor-Plugin-Version:copilot/1.0")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Port", cfg.Port, 8080},
		{"ClientID", cfg.ClientID, "Iv1.b507a08c87ecfe98"},
		{"DeviceCodeURL", cfg.DeviceCodeURL, "https://github.com/login/device/code"},
		{"PollInterval", cfg.PollInterval, 5 * time.Second},
		{"MaxPollAttempts", cfg.MaxPollAttempts, 180},
		{"RefreshBuffer", cfg.RefreshBuffer, 2 * time.Minute},
		{"FlowLifetime", cfg.FlowLifetime, 20 * time.Minute},
		{"Prefixes", fmt.Sprint(cfg.CredentialPrefixes), "[gho_ ghu_ ghp_ github_pat_]"},
		{"ExchangeHeaders", cfg.ExchangeHeaders["Editor-Version"], "vscode/1.95.0"},
		{"level", cfg.level(), log.InfoLevel},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "zero poll attempts", key: "MAX_POLL_ATTEMPTS", val: "0"},
		{name: "negative buffer", key: "REFRESH_BUFFER", val: "-1m"},
		{name: "short CSRF secret", key: "CSRF_SECRET", val: "short"},
		{name: "bad duration", key: "HTTP_TIMEOUT", val: "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := loadConfig(); err == nil {
				t.Errorf("loadConfig() with %s=%q succeeded", tt.key, tt.val)
			}
		})
	}
}
