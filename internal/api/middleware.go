package api

import (
	"compress/gzip"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/logging"
)

const adminTokenHeader = "X-Admin-Token"

// LoggingMiddleware logs HTTP requests.
func LoggingMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			entry := logger.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   wrapped.statusCode,
				"duration": time.Since(start).String(),
				"ip":       clientKey(r),
			})
			if wrapped.statusCode >= http.StatusInternalServerError {
				entry.Warn("Request completed")
			} else {
				entry.Info("Request completed")
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware recovers from panics and returns 500 error.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithFields(map[string]interface{}{
						"panic": rec,
						"path":  r.URL.Path,
					}).Error("Recovered from panic")
					writeError(w, http.StatusInternalServerError, apperrors.CodeInternal, "An internal error occurred", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware adds CORS headers to responses.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+adminTokenHeader)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AdminAuthMiddleware requires the configured admin token. An empty
// configured token disables the admin routes entirely.
func AdminAuthMiddleware(token string) func(http.Handler) http.Handler {
	logger := logging.Component("admin_auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(adminTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.WithFields(map[string]interface{}{
					"path": r.URL.Path,
					"ip":   clientKey(r),
				}).Warn("Rejected admin request")
				respondError(w, logger, apperrors.NewUnauthorizedError("admin token required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CompressionMiddleware adds gzip compression to responses.
func CompressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		gz := gzip.NewWriter(w)
		defer gz.Close()

		next.ServeHTTP(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	})
}

// gzipResponseWriter wraps http.ResponseWriter with gzip compression.
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}
