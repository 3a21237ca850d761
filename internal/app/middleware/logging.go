package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fennwick/sentinel-egress/internal/util"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	LoggerKey    contextKey = "logger"
)

// IsProxyRequest checks whether a path is the thin /proxy adapter, which
// logs its own per-fetch detail at Info and doesn't need a duplicate line.
func IsProxyRequest(path string) bool {
	return strings.HasPrefix(path, "/proxy")
}

// responseWriter wraps http.ResponseWriter to capture response size and status.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

func (rw *responseWriter) WriteHeader(s int) {
	rw.status = s
	rw.ResponseWriter.WriteHeader(s)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GetLogger retrieves a request-scoped logger from context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLogging adds a request ID to the logger context and logs the
// request/response envelope, at Debug for /proxy (which logs its own
// fetch-level detail) and Info otherwise. The client IP resolution honours
// X-Forwarded-For/X-Real-IP only when the immediate peer is in
// trustedCIDRs and trustProxyHeaders is set.
func RequestLogging(base *slog.Logger, trustProxyHeaders bool, trustedCIDRs []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = util.GenerateRequestID()
			}

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			clientIP := util.GetClientIP(r, trustProxyHeaders, trustedCIDRs)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			scopedLogger := base.With("request_id", requestID)
			ctx = context.WithValue(ctx, LoggerKey, scopedLogger)

			w.Header().Set("X-Request-ID", requestID)

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			startFields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"client_ip", clientIP,
				"request_bytes", requestSize,
			}

			if IsProxyRequest(r.URL.Path) {
				scopedLogger.Debug("request started", startFields...)
			} else {
				scopedLogger.Info("request started", startFields...)
			}

			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)
			completionFields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", duration.Milliseconds(),
				"response_bytes", wrapped.size,
			}

			if IsProxyRequest(r.URL.Path) {
				scopedLogger.Debug("request completed", completionFields...)
			} else {
				scopedLogger.Info("request completed", completionFields...)
			}
		})
	}
}

// formatBytes converts byte count to human-readable format.
func formatBytes(bytes int64) string {
	const unit = 1024
	const suffixes = "KMGTPE"

	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	if exp >= len(suffixes) {
		exp = len(suffixes) - 1
	}
	size := float64(bytes) / float64(div)
	return fmt.Sprintf("%.1f%cB", size, suffixes[exp])
}

// FormatBytes is the exported version for external use.
func FormatBytes(bytes int64) string {
	return formatBytes(bytes)
}
