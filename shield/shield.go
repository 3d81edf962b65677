// Package shield provides reusable HTTP middleware for the mdwb API surface:
// security headers, token-bucket rate limiting, body limits, and request
// tracing.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(shield.RateLimitConfig{}) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const (
	// LoggerKey is the context key for the per-request structured logger.
	LoggerKey contextKey = "shield_logger"

	// TraceIDKey is the context key for the per-request trace id.
	TraceIDKey contextKey = "shield_trace_id"
)

// DefaultAPIStack returns the standard middleware stack for the mdwb API:
// SecurityHeaders → MaxJSONBody → TraceID → RateLimiter.
func DefaultAPIStack(rl RateLimitConfig) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(1 << 20),
		TraceID,
		NewRateLimiter(rl).Middleware,
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// GetTraceID retrieves the per-request trace id from the context.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return strings.TrimSpace(xff[:i])
			}
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
