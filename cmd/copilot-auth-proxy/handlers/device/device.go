// Package device lets a browser front end start, follow and cancel device
// flows that the proxy runs on its behalf
package device

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wrale/copilot-auth-proxy/cmd/copilot-auth-proxy/handlers/common"
	"github.com/wrale/copilot-auth-proxy/internal/csrf"
	"github.com/wrale/copilot-auth-proxy/internal/deviceflow"
	"github.com/wrale/copilot-auth-proxy/internal/session"
	"github.com/wrale/copilot-auth-proxy/internal/validation"
)

// CSRFHeader carries the token issued by IssueCSRF
const CSRFHeader = "X-CSRF-Token"

// Flows is the subset of *session.Manager used by the handlers
type Flows interface {
	Start(ctx context.Context, clientID, scope string) (*session.Record, error)
	Get(ctx context.Context, id string) (*session.Record, error)
	Cancel(ctx context.Context, id string) error
}

// CSRF is the subset of *csrf.Manager used by the handlers
type CSRF interface {
	Issue(ctx context.Context) (*csrf.Token, error)
	Verify(ctx context.Context, value string) error
}

// Config contains handler configuration options
type Config struct {
	Flows    Flows
	CSRF     CSRF
	ClientID string
	Scope    string // Default scope when the request names none
}

// Handler serves the flow session endpoints
type Handler struct {
	flows    Flows
	csrf     CSRF
	clientID string
	scope    string
}

// New creates a new device flow handler
func New(cfg Config) *Handler {
	return &Handler{
		flows:    cfg.Flows,
		csrf:     cfg.CSRF,
		clientID: cfg.ClientID,
		scope:    cfg.Scope,
	}
}

// FlowResponse is the JSON view of a flow session
type FlowResponse struct {
	ID     string                     `json:"id"`
	Status deviceflow.Status          `json:"status"`
	Done   bool                       `json:"done"`
	Events []deviceflow.ProgressEvent `json:"events"`
	Result *deviceflow.FlowResult     `json:"result,omitempty"`

	// Redeemed is set once the result tokens were returned by an earlier read
	Redeemed bool `json:"redeemed,omitempty"`
}

func newFlowResponse(rec *session.Record) FlowResponse {
	events := rec.Events
	if events == nil {
		events = []deviceflow.ProgressEvent{}
	}
	return FlowResponse{
		ID:     rec.ID,
		Status: rec.Status,
		Done:   rec.Done(),
		Events: events,
		Result: rec.Result,

		Redeemed: rec.Redeemed,
	}
}

// IssueCSRF hands out a single-use token for Start
func (h *Handler) IssueCSRF(w http.ResponseWriter, r *http.Request) {
	token, err := h.csrf.Issue(r.Context())
	if err != nil {
		common.WriteErrorStatus(w, http.StatusServiceUnavailable, common.ErrorCodeTemporarilyUnavailable, "Unable to issue CSRF token")
		return
	}
	common.WriteJSON(w, http.StatusOK, token)
}

// Start begins a device flow in the background and returns its session id
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.csrf.Verify(r.Context(), r.Header.Get(CSRFHeader)); err != nil {
		if errors.Is(err, csrf.ErrInvalidToken) || errors.Is(err, csrf.ErrTokenExpired) {
			common.WriteErrorStatus(w, http.StatusForbidden, common.ErrorCodeAccessDenied, "Missing or invalid CSRF token")
			return
		}
		common.WriteErrorStatus(w, http.StatusServiceUnavailable, common.ErrorCodeTemporarilyUnavailable, "Unable to verify CSRF token")
		return
	}

	if err := r.ParseForm(); err != nil {
		common.WriteError(w, common.ErrorCodeInvalidRequest, "Invalid request format")
		return
	}
	for key, values := range r.PostForm {
		if len(values) > 1 {
			common.WriteError(w, common.ErrorCodeInvalidRequest, "Parameters must not be included more than once: "+key)
			return
		}
	}

	scope := r.PostForm.Get("scope")
	if scope == "" {
		scope = h.scope
	}

	rec, err := h.flows.Start(r.Context(), h.clientID, scope)
	if err != nil {
		var vErr *validation.ValidationError
		if errors.As(err, &vErr) {
			common.WriteError(w, common.ErrorCodeInvalidRequest, vErr.Error())
			return
		}
		common.WriteErrorStatus(w, http.StatusServiceUnavailable, common.ErrorCodeTemporarilyUnavailable, "Unable to start device flow")
		return
	}

	w.Header().Set("Location", "/device/flows/"+rec.ID)
	common.WriteJSON(w, http.StatusAccepted, newFlowResponse(rec))
}

// Status returns the progress events of a flow session and its result once done
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	rec, err := h.flows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, newFlowResponse(rec))
}

// Cancel stops a running flow session
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.flows.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeLookupError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		common.WriteErrorStatus(w, http.StatusNotFound, common.ErrorCodeNotFound, "Unknown or expired flow session")
		return
	}
	common.WriteErrorStatus(w, http.StatusServiceUnavailable, common.ErrorCodeTemporarilyUnavailable, "Flow session store unavailable")
}
