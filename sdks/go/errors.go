package clawguard

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrUnauthorized is returned when the gateway rejects the agent key.
	ErrUnauthorized = errors.New("agent key rejected")

	// ErrUnknownService is returned when the gateway has no route for the
	// named service.
	ErrUnknownService = errors.New("unknown service")

	// ErrDenied is returned when the gateway refuses to forward: security
	// policy block, approval denial or timeout, or a blocked redirect.
	ErrDenied = errors.New("request denied by gateway")
)

// DenyReason distinguishes the gateway's refusal paths. Values match the
// outcome labels the gateway records in its audit trail and metrics.
type DenyReason string

const (
	// ReasonBlocked: the security guard rejected the upstream URL before
	// any approval was attempted.
	ReasonBlocked DenyReason = "blocked"

	// ReasonDenied: a human denied the request, or the approval deadline
	// expired.
	ReasonDenied DenyReason = "denied"

	// ReasonRedirectBlocked: the upstream answered with a redirect the
	// guard refused to pass back.
	ReasonRedirectBlocked DenyReason = "redirect_blocked"
)

// GatewayError is the base error type for responses originated by the
// gateway itself rather than the upstream service.
type GatewayError struct {
	// StatusCode is the HTTP status the gateway answered with.
	StatusCode int

	// Code is a machine-readable category: "body_too_large",
	// "upstream_error", "internal", or "not_found".
	Code string

	// Message is the gateway's error text.
	Message string
}

// Error returns the error message.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("clawguard gateway [%s]: %s", e.Code, e.Message)
}

// UnauthorizedError is returned when the gateway rejects the agent key.
type UnauthorizedError struct {
	// Message is the gateway's error text.
	Message string
}

// Error returns a human-readable description of the rejection.
func (e *UnauthorizedError) Error() string {
	return "clawguard: " + e.Message
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrUnauthorized).
func (e *UnauthorizedError) Is(target error) bool {
	return target == ErrUnauthorized
}

// UnknownServiceError is returned when the gateway has no route for the
// requested service.
type UnknownServiceError struct {
	// Service is the service name the gateway did not recognize.
	Service string
}

// Error returns a human-readable description of the routing failure.
func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("clawguard: unknown service %q", e.Service)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrUnknownService).
func (e *UnknownServiceError) Is(target error) bool {
	return target == ErrUnknownService
}

// DeniedError is returned when the gateway refuses to forward a request.
type DeniedError struct {
	// Reason distinguishes policy blocks, approval denials, and blocked
	// redirects.
	Reason DenyReason

	// Message is the gateway's error text.
	Message string
}

// Error returns a human-readable description of the refusal.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("clawguard: %s (%s)", e.Message, e.Reason)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrDenied).
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}
