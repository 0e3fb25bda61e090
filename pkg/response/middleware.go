package response

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/engagement/orchestration/pkg/errors"
	"github.com/engagement/orchestration/pkg/logger"
)

// statusWriter records the response status so middleware knows whether a
// handler already replied and what it said.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RequestIDMiddleware ensures every request carries an ID, minting one when
// the caller sent none. The ID is reflected on the response and stored in
// the context for ctx-aware log lines.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := RequestIDFromRequest(r)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		r.Header.Set(requestIDHeader, reqID)
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(logger.ContextWithRequestID(r.Context(), reqID)))
	})
}

// LoggingMiddleware emits one line per completed request.
func LoggingMiddleware(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrapWriter(w)
		next.ServeHTTP(sw, r)
		log.WithContext(r.Context()).Infof("http request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     sw.status,
			"durationMs": time.Since(start).Milliseconds(),
		})
	})
}

// RecoveryMiddleware turns handler panics into 500 responses. The error
// body is written only when the handler had not already replied.
func RecoveryMiddleware(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := wrapWriter(w)
		defer func() {
			if v := recover(); v != nil {
				log.WithContext(r.Context()).Errorf("panic recovered", map[string]interface{}{
					"panic": fmt.Sprint(v),
					"path":  r.URL.Path,
					"stack": string(debug.Stack()),
				})
				if !sw.wroteHeader {
					WriteErrorCode(sw, r, apierrors.CodeInternal, "internal server error")
				}
			}
		}()
		next.ServeHTTP(sw, r)
	})
}

// BodyLimitMiddleware caps request bodies at limit bytes. Reads past the
// cap fail with *http.MaxBytesError, which decode paths surface as 413.
func BodyLimitMiddleware(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && limit > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
