// Package httpmw provides the gateway's HTTP middleware chain: panic
// recovery, request logging, timeout enforcement, and body-size limiting.
// Grounded on the teacher's infrastructure/middleware package; CORS/RBAC/
// rate-limiting are out of scope per spec.md section 1 and are represented
// only as the Chain composition point below.
package httpmw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/mux"

	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
	"github.com/r3e-network/acquiring-gateway/internal/platform/logging"
)

// ErrorResponse is the JSON envelope returned for every error response.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteError serializes a ServiceError (or wraps a generic error as
// internal) onto w using its HTTPStatus.
func WriteError(w http.ResponseWriter, err error) {
	se := gwerrors.Internal("internal server error", err)
	if asSE, ok := err.(*gwerrors.ServiceError); ok {
		se = asSE
	}
	w.Header().Set("Content-Type", "application/json")
	if se.Kind == gwerrors.KindRateLimited {
		if ra, ok := se.Details["retry_after_seconds"]; ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%v", ra))
		}
	}
	w.WriteHeader(se.HTTPStatus)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   string(se.Kind),
		Message: se.Message,
		Details: se.Details,
	})
}

// responseWriter captures the status code for logging/metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Recovery recovers from panics in downstream handlers, logging the stack
// and responding with an opaque 500 (spec section 7's Internal kind).
func Recovery(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithContext(r.Context()).WithFields(map[string]interface{}{
						"panic":       fmt.Sprintf("%v", rec),
						"stack":       string(debug.Stack()),
						"path":        r.URL.Path,
						"method":      r.Method,
						"remote_addr": r.RemoteAddr,
					}).Error("panic recovered")
					WriteError(w, gwerrors.Internal("internal server error", fmt.Errorf("%v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogging generates/propagates a trace id and logs request outcome.
func RequestLogging(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get("X-Request-ID")
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			w.Header().Set("X-Request-ID", traceID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.WithContext(ctx).WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": wrapped.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("http request")
		})
	}
}

// Timeout enforces a per-request deadline, translating a breach into a 503
// REQUEST_TIMEOUT (transient) response (spec section 5's "every external call has a
// deadline").
func Timeout(d time.Duration) mux.MiddlewareFunc {
	if d <= 0 {
		d = 30 * time.Second
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			done := make(chan struct{})
			tw := &timeoutWriter{ResponseWriter: w}

			go func() {
				next.ServeHTTP(tw, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				tw.mu.Lock()
				wrote := tw.wroteHeader
				tw.mu.Unlock()
				if !wrote {
					WriteError(w, gwerrors.Transient("REQUEST_TIMEOUT", "request timed out", ctx.Err()))
				}
			}
		})
	}
}

type timeoutWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.ResponseWriter.WriteHeader(code)
	}
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	tw.wroteHeader = true
	tw.mu.Unlock()
	return tw.ResponseWriter.Write(b)
}

// BodyLimit caps request bodies (spec section 6's 1 MiB default merchant
// payload ceiling).
func BodyLimit(maxBytes int64) mux.MiddlewareFunc {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteError(w, gwerrors.Validation("PAYLOAD_TOO_LARGE", "request body too large"))
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Chain is the single composable boundary for CORS/RBAC/rate-limiting
// policy (out of scope per spec.md section 1 — interfaces only).
type Chain interface {
	Handler(next http.Handler) http.Handler
}

// HealthHandler reports process liveness plus the result of each
// registered dependency check (db, redis, nats).
func HealthHandler(checks map[string]func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(); err != nil {
				status = "unhealthy"
				results[name] = err.Error()
			} else {
				results[name] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    results,
		})
	}
}
