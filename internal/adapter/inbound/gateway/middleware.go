package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/clawguard/clawguard/internal/ctxkey"
	"github.com/google/uuid"
)

// Agent secret header names. The legacy alias is accepted on input when
// configured; both are always stripped before forwarding.
const (
	HeaderAgentKey       = "X-ClawGuard-Key"
	HeaderLegacyAgentKey = "X-AgentGate-Key"
)

// Vendor header prefixes stripped from every forwarded request so
// gateway-internal metadata never reaches an upstream. Compared
// case-insensitively against the canonicalized header name.
var vendorHeaderPrefixes = []string{"x-clawguard-", "x-agentgate-"}

// RequestIDMiddleware tags the request with an id, echoes it in
// X-Request-ID, and stores an enriched logger in the context.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext returns the request-scoped logger, or slog.Default()
// when the middleware did not run.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RequestIDFromContext returns the request id, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxkey.RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RealIPMiddleware stores the client IP in the context. X-Forwarded-For
// is consulted first (first entry only), then X-Real-IP, then RemoteAddr.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxkey.AgentIPKey{}, extractRealIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AgentIPFromContext returns the client IP stored by RealIPMiddleware,
// falling back to the bare RemoteAddr host.
func AgentIPFromContext(ctx context.Context, r *http.Request) string {
	if ip, ok := ctx.Value(ctxkey.AgentIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return extractRealIP(r)
}

func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AuthMiddleware rejects any request that does not carry the shared
// agent secret. The legacy alias header is honored only when configured.
// Comparison is constant-time.
func AuthMiddleware(agentKey string, acceptLegacy bool) func(http.Handler) http.Handler {
	want := []byte(agentKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !keyMatches(r.Header.Get(HeaderAgentKey), want) {
				if !acceptLegacy || !keyMatches(r.Header.Get(HeaderLegacyAgentKey), want) {
					writeError(w, http.StatusUnauthorized, msgInvalidKey)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keyMatches(got string, want []byte) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), want) == 1
}

// RecoverMiddleware converts a handler panic into a 500 so one bad
// request cannot take the process down. http.ErrAbortHandler keeps its
// net/http meaning.
func RecoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic while serving request",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				writeInternalError(w, fmt.Sprint(rec))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
