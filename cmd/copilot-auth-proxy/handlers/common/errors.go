package common

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/wrale/copilot-auth-proxy/internal/oauth"
	"github.com/wrale/copilot-auth-proxy/internal/validation"
)

// Error codes used in error bodies, following RFC 6749 section 5.2 where one fits
const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeInvalidToken           = "invalid_token"
	ErrorCodeAccessDenied           = "access_denied"
	ErrorCodeNotFound               = "not_found"
	ErrorCodeExchangeFailed         = "exchange_failed"
	ErrorCodeServerError            = "server_error"
	ErrorCodeTemporarilyUnavailable = "temporarily_unavailable"
)

// ErrorResponse is the JSON error body
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// SetJSONHeaders sets the headers of every JSON response. Bodies may carry
// tokens, so nothing is cacheable.
func SetJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
}

// WriteJSON sends v with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	SetJSONHeaders(w)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		WriteJSONError(w, err)
	}
}

// WriteError sends a 400 error response
func WriteError(w http.ResponseWriter, code string, description string) {
	WriteErrorStatus(w, http.StatusBadRequest, code, description)
}

// WriteErrorStatus sends an error response with an explicit status
func WriteErrorStatus(w http.ResponseWriter, status int, code string, description string) {
	WriteJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: strings.TrimSpace(description),
	})
}

// WriteJSONError handles JSON encoding failures with a standardized response
func WriteJSONError(w http.ResponseWriter, err error) {
	// Headers may already be written; this is best effort
	SetJSONHeaders(w)
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"error":"server_error","error_description":"Failed to encode response"}`))
}

// WriteExchangeError maps credential and exchange failures onto a response
func WriteExchangeError(w http.ResponseWriter, err error) {
	var vErr *validation.ValidationError
	var exErr *oauth.ExchangeError

	switch {
	case errors.Is(err, oauth.ErrInvalidCredentialFormat):
		WriteErrorStatus(w, http.StatusUnauthorized, ErrorCodeInvalidToken, "Credential format not recognized")
	case errors.As(err, &vErr):
		WriteError(w, ErrorCodeInvalidRequest, vErr.Error())
	case errors.As(err, &exErr):
		switch exErr.StatusCode {
		case http.StatusUnauthorized:
			WriteErrorStatus(w, http.StatusUnauthorized, ErrorCodeInvalidToken, "Credential rejected by the token exchange")
		case http.StatusForbidden, http.StatusNotFound:
			WriteErrorStatus(w, http.StatusForbidden, ErrorCodeAccessDenied, "Credential is not entitled to a session token")
		default:
			WriteErrorStatus(w, http.StatusBadGateway, ErrorCodeExchangeFailed, "Token exchange failed")
		}
	case errors.Is(err, oauth.ErrExchangeFailed):
		WriteErrorStatus(w, http.StatusBadGateway, ErrorCodeExchangeFailed, "Token exchange failed")
	case errors.Is(err, oauth.ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		WriteErrorStatus(w, http.StatusBadGateway, ErrorCodeTemporarilyUnavailable, "Token exchange endpoint unreachable")
	case errors.Is(err, context.Canceled):
		WriteErrorStatus(w, http.StatusServiceUnavailable, ErrorCodeTemporarilyUnavailable, "Request cancelled")
	default:
		WriteErrorStatus(w, http.StatusInternalServerError, ErrorCodeServerError, "An unexpected error occurred processing the request")
	}
}

// Credential extracts the caller credential from the Authorization header.
// Both the "token" and "Bearer" schemes are accepted.
func Credential(r *http.Request) (string, bool) {
	scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok {
		return "", false
	}
	if !strings.EqualFold(scheme, "token") && !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// RequireCredential writes a 401 and returns false when the request carries
// no credential
func RequireCredential(w http.ResponseWriter, r *http.Request) (string, bool) {
	credential, ok := Credential(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `token realm="copilot-auth-proxy"`)
		WriteErrorStatus(w, http.StatusUnauthorized, ErrorCodeInvalidRequest, "Authorization header with a token is required")
		return "", false
	}
	return credential, true
}
