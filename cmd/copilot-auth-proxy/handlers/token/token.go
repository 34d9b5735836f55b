// Package token serves session tokens for credentials presented in the
// Authorization header
package token

import (
	"context"
	"net/http"
	"time"

	"github.com/wrale/copilot-auth-proxy/cmd/copilot-auth-proxy/handlers/common"
	"github.com/wrale/copilot-auth-proxy/internal/oauth"
	"github.com/wrale/copilot-auth-proxy/internal/tokencache"
)

// Cache is the subset of *tokencache.Cache used by the handlers
type Cache interface {
	GetOrRefresh(ctx context.Context, credential string) (*oauth.SessionToken, error)
	NeedsRefresh(credential string, buffer time.Duration) bool
	Peek(credential string) (tokencache.CacheEntry, bool)
	Clear(credential string)
}

// Handler exposes the token cache over HTTP
type Handler struct {
	cache Cache
}

// Config contains handler configuration options
type Config struct {
	Cache Cache
}

// New creates a new token handler
func New(cfg Config) *Handler {
	return &Handler{cache: cfg.Cache}
}

// StatusResponse describes a cached entry without revealing the token
type StatusResponse struct {
	Cached       bool       `json:"cached"`
	NeedsRefresh bool       `json:"needs_refresh"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	SKU          string     `json:"sku,omitempty"`
}

// Exchange returns a live session token, exchanging the credential when the
// cache has none. Failures are surfaced, never replaced by a fallback.
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	credential, ok := common.RequireCredential(w, r)
	if !ok {
		return
	}

	session, err := h.cache.GetOrRefresh(r.Context(), credential)
	if err != nil {
		common.WriteExchangeError(w, err)
		return
	}

	common.WriteJSON(w, http.StatusOK, session)
}

// Status reports whether the credential has a cached token and whether it
// is due for refresh. It never triggers an exchange.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	credential, ok := common.RequireCredential(w, r)
	if !ok {
		return
	}

	resp := StatusResponse{NeedsRefresh: h.cache.NeedsRefresh(credential, 0)}
	if entry, found := h.cache.Peek(credential); found {
		expiresAt := entry.Token.ExpiresAt.UTC()
		resp.Cached = true
		resp.ExpiresAt = &expiresAt
		resp.SKU = entry.Token.SKU
	}

	common.WriteJSON(w, http.StatusOK, resp)
}

// Clear drops the cached token for the credential
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	credential, ok := common.RequireCredential(w, r)
	if !ok {
		return
	}

	h.cache.Clear(credential)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}
