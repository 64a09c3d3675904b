package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	lberrors "github.com/mir00r/gameserver-lb/internal/errors"
	"github.com/mir00r/gameserver-lb/pkg/logger"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	subjectKey   contextKey = "subject"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// RequestIDFromContext returns the id assigned by RequestIDMiddleware
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestIDMiddleware keeps a caller supplied X-Request-ID or assigns a new one
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 128 {
				id = uuid.New().String()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		})
	}
}

// LoggingMiddleware provides structured request logging
func LoggingMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrappedWriter := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			requestLogger := log.RequestLogger(
				RequestIDFromContext(r.Context()),
				r.Method,
				r.URL.Path,
				r.RemoteAddr,
			)

			next.ServeHTTP(wrappedWriter, r)

			logEntry := requestLogger.WithFields(map[string]interface{}{
				"status_code":   wrappedWriter.statusCode,
				"duration_ms":   time.Since(start).Milliseconds(),
				"response_size": wrappedWriter.size,
			})

			switch {
			case wrappedWriter.statusCode >= 500:
				logEntry.Error("Request completed with error")
			case wrappedWriter.statusCode >= 400:
				logEntry.Warn("Request completed with warning")
			default:
				logEntry.Debug("Request completed")
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

// RecoveryMiddleware provides panic recovery with logging
func RecoveryMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.WithFields(map[string]interface{}{
						"request_id": RequestIDFromContext(r.Context()),
						"path":       r.URL.Path,
						"method":     r.Method,
						"panic":      rec,
					}).Error("Panic recovered in request handler")

					WriteError(w, r, lberrors.NewError(lberrors.ErrCodeInternalError, "admin_api", "internal server error"))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}

// ErrorResponse is the JSON body of every admin API error
type ErrorResponse struct {
	Error *lberrors.LoadBalancerError `json:"error"`
}

// WriteError renders err as JSON with the status its code maps to.
// Errors outside the structured hierarchy become INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var lbErr *lberrors.LoadBalancerError
	if errors.As(err, &lbErr) {
		// shared sentinels must not pick up a request id
		copied := *lbErr
		lbErr = &copied
	} else {
		lbErr = lberrors.WrapError(err, lberrors.ErrCodeInternalError, "admin_api", err.Error())
	}
	if lbErr.RequestID == "" && r != nil {
		lbErr.RequestID = RequestIDFromContext(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(lbErr.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: lbErr})
}
