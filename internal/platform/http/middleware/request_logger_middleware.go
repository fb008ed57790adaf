// Package middleware provides always-on transport middleware for the status server.
package middleware

import (
	"log/slog"
	"net"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
)

// RequestLoggerMiddleware attaches a request-scoped logger to the request context.
//
// Must run after chimw.RequestID so the request id is set.
func RequestLoggerMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logutil.WithLogger(r.Context(), requestLogger(base, r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger returns base with the request fields attached. The path is
// logged without its query string.
func requestLogger(base *slog.Logger, r *http.Request) *slog.Logger {
	return base.With(
		"request_id", chimw.GetReqID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"client_ip", ClientIP(r),
	)
}

// ClientIP returns the host part of RemoteAddr. Proxy headers are only
// honoured when chimw.RealIP ran earlier and rewrote RemoteAddr.
func ClientIP(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
