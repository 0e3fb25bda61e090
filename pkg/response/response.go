// Package response provides the JSON writers and HTTP middleware shared by
// the service binaries.
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	apierrors "github.com/engagement/orchestration/pkg/errors"
)

const requestIDHeader = "X-Request-ID"

// RequestIDFromRequest returns the request ID header, if any.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(requestIDHeader))
}

// WriteJSON writes payload as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError responds with the structured error at its mapped HTTP status.
func WriteError(w http.ResponseWriter, r *http.Request, err *apierrors.Error) {
	if w == nil || err == nil {
		return
	}
	writeErrorPayload(w, r, err.HTTPStatus(), err)
}

// WriteErrorCode responds with a fresh error built from code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code apierrors.Code, message string) {
	WriteError(w, r, apierrors.New(code, message))
}

// WriteStatusError responds like WriteError but forces the HTTP status.
func WriteStatusError(w http.ResponseWriter, r *http.Request, status int, code apierrors.Code, message string) {
	if w == nil {
		return
	}
	writeErrorPayload(w, r, status, apierrors.New(code, message))
}

// writeErrorPayload stamps the caller's request ID into a copy, never into
// the error itself, which may be a shared sentinel.
func writeErrorPayload(w http.ResponseWriter, r *http.Request, status int, err *apierrors.Error) {
	payload := *err
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	WriteJSON(w, status, &payload)
}
