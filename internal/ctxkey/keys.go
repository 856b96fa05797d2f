// Package ctxkey defines the context key types shared by the gateway and
// admin adapters. It must not import other internal packages.
package ctxkey

// LoggerKey carries the request-scoped logger enriched with request_id.
type LoggerKey struct{}

// RequestIDKey carries the request id echoed in X-Request-ID.
type RequestIDKey struct{}

// AgentIPKey carries the client IP extracted by the real-IP middleware.
type AgentIPKey struct{}
