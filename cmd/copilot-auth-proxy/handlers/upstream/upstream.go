// Package upstream forwards requests to the downstream API with a session
// token in place of the caller credential
package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/charmbracelet/log"

	"github.com/wrale/copilot-auth-proxy/cmd/copilot-auth-proxy/handlers/common"
	"github.com/wrale/copilot-auth-proxy/internal/oauth"
)

// MachineIDHeader identifies the calling installation to the downstream API
const MachineIDHeader = "Vscode-Machineid"

// Cache is the subset of *tokencache.Cache used by the proxy
type Cache interface {
	BestEffort(ctx context.Context, credential string) (*oauth.SessionToken, error)
	MachineID(credential string) string
}

// Config contains handler configuration options
type Config struct {
	Target    *url.URL
	Cache     Cache
	Headers   map[string]string // Extra headers sent on every forwarded request
	Transport http.RoundTripper
	Logger    *log.Logger
}

// Handler is a reverse proxy authenticating with best-effort session tokens
type Handler struct {
	cache  Cache
	proxy  *httputil.ReverseProxy
	logger *log.Logger
}

// New creates a new upstream proxy handler
func New(cfg Config) (*Handler, error) {
	if cfg.Target == nil || cfg.Target.Scheme == "" || cfg.Target.Host == "" {
		return nil, errors.New("upstream target must be an absolute URL")
	}
	if cfg.Cache == nil {
		return nil, errors.New("token cache is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}

	h := &Handler{cache: cfg.Cache, logger: cfg.Logger}
	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(cfg.Target)
			for k, v := range cfg.Headers {
				pr.Out.Header.Set(k, v)
			}
		},
		Transport: cfg.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
			common.WriteErrorStatus(w, http.StatusBadGateway, common.ErrorCodeTemporarilyUnavailable, "Upstream request failed")
		},
	}
	return h, nil
}

// ServeHTTP swaps the caller credential for a session token and forwards
// the request. A failed exchange falls back to the credential itself.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential, ok := common.RequireCredential(w, r)
	if !ok {
		return
	}

	session, err := h.cache.BestEffort(r.Context(), credential)
	if err != nil {
		common.WriteExchangeError(w, err)
		return
	}
	if session.Fallback {
		h.logger.Debug("forwarding with fallback token", "credential", oauth.Redact(credential))
	}

	out := r.Clone(r.Context())
	out.Header.Set("Authorization", "Bearer "+session.Token)
	out.Header.Set(MachineIDHeader, h.cache.MachineID(credential))

	h.proxy.ServeHTTP(w, out)
}
