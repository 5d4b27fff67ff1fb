package oauth

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// Error is an RFC 6749 protocol error. It renders either as a JSON error
// body (token and registration endpoints) or as error query parameters on
// a redirect (authorization endpoint).
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// RFC 6749 error codes used by the inbound authorization server.
const (
	ErrInvalidRequest       = "invalid_request"
	ErrInvalidClient        = "invalid_client"
	ErrInvalidGrant         = "invalid_grant"
	ErrUnauthorizedClient   = "unauthorized_client"
	ErrUnsupportedGrantType = "unsupported_grant_type"
	ErrInvalidScope         = "invalid_scope"
	ErrAccessDenied         = "access_denied"
	ErrServerError          = "server_error"
	ErrInvalidToken         = "invalid_token"
)

// NewError builds an Error.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// HTTPStatus maps an error code to its RFC 6749 HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrInvalidClient, ErrInvalidToken:
		return http.StatusUnauthorized
	case ErrServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// WriteJSON renders the error as a JSON response body.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.HTTPStatus())
	json.NewEncoder(w).Encode(e)
}

// RedirectWithError sends the error back to the client's redirect URI as
// query parameters, preserving state per RFC 6749 §4.1.2.1.
func RedirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state string, e *Error) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		e.WriteJSON(w)
		return
	}

	q := target.Query()
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}
