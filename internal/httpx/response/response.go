// Package response provides the JSON writers for the BSB admin API and the
// few JSON endpoints URP exposes. Payloads are written flat, exactly as the
// caller shapes them; admin responses are never cached.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/mojhehh/nebula/internal/logger"
	"github.com/mojhehh/nebula/internal/sentryx"
)

// JSON writes payload with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithComponent("httpx.response").Error("failed to encode payload: %v", err)
		sentryx.CaptureError("httpx.response", err)
	}
}

// errorBody is the JSON shape every failure response takes.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error writes a failure body and reports the error to Sentry when status
// indicates a server-side fault.
func Error(w http.ResponseWriter, status int, code, msg string, err error) {
	if status >= http.StatusInternalServerError {
		sentryx.CaptureError("httpx.response", err)
	}
	JSON(w, status, errorBody{Error: msg, Code: code})
}

// BadRequest is a 400 with a caller-facing message, never reported.
func BadRequest(w http.ResponseWriter, code, msg string) {
	Error(w, http.StatusBadRequest, code, msg, nil)
}

// Unauthorized is a 401, never reported (expected on bad/expired tokens).
func Unauthorized(w http.ResponseWriter, code, msg string) {
	Error(w, http.StatusUnauthorized, code, msg, nil)
}

// Forbidden is a 403, never reported.
func Forbidden(w http.ResponseWriter, code, msg string) {
	Error(w, http.StatusForbidden, code, msg, nil)
}

// NotFound is a 404, never reported.
func NotFound(w http.ResponseWriter, code, msg string) {
	Error(w, http.StatusNotFound, code, msg, nil)
}

// TooManyRequests is a 429, never reported.
func TooManyRequests(w http.ResponseWriter, code, msg string) {
	Error(w, http.StatusTooManyRequests, code, msg, nil)
}

// InternalServerError is a 500, always reported to Sentry with err attached.
func InternalServerError(w http.ResponseWriter, code, msg string, err error) {
	Error(w, http.StatusInternalServerError, code, msg, err)
}
