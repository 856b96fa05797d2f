// Package clawguard provides a Go SDK for agents talking to a ClawGuard
// gateway.
//
// The gateway fronts outbound service calls: it checks the shared agent
// key, holds gated requests for human approval, injects the real
// credential, and forwards to the upstream. This SDK builds the gateway
// URL for a named service, attaches the agent key header, and surfaces
// gateway-originated refusals as typed errors while passing upstream
// responses through untouched. It uses only the Go standard library.
//
// Quick start:
//
//	// Set CLAWGUARD_GATEWAY_ADDR and CLAWGUARD_AGENT_KEY env vars, then:
//	client := clawguard.NewClient()
//
//	resp, err := client.Get(ctx, "github", "/repos/acme/app/issues")
//	if err != nil {
//	    var denied *clawguard.DeniedError
//	    if errors.As(err, &denied) {
//	        fmt.Printf("gateway refused (%s): %s\n", denied.Reason, denied.Message)
//	    }
//	}
//
// A request routed to a service whose policy requires approval is held
// open by the gateway until a human decides or the approval deadline
// expires, so calls through this client can legitimately take minutes.
// Bound them with the context, not a short client timeout.
package clawguard

import "time"

// HeaderAgentKey is the request header carrying the shared agent secret.
const HeaderAgentKey = "X-ClawGuard-Key"

// DefaultGatewayAddr is where a locally run gateway listens when
// unconfigured.
const DefaultGatewayAddr = "http://127.0.0.1:8473"

// GatewayStatus is the response of the gateway's /__status endpoint.
type GatewayStatus struct {
	// Status is "ok" when the gateway is serving.
	Status string `json:"status"`

	// Version is the gateway build version.
	Version string `json:"version"`

	// Services lists the routable service names, sorted.
	Services []string `json:"services"`

	// Approvals maps service names to their live approval grant, if any.
	Approvals map[string]GrantStatus `json:"approvals"`
}

// GrantStatus summarizes one live approval grant.
type GrantStatus struct {
	// ExpiresAt is the RFC 3339 expiry of the grant.
	ExpiresAt string `json:"expiresAt"`

	// ApprovedBy is the display name of the approver.
	ApprovedBy string `json:"approvedBy"`

	// RemainingMinutes is the whole minutes left on the grant.
	RemainingMinutes int `json:"remainingMinutes"`
}

// AuditEntry is one row of the gateway's request audit trail as returned
// by /__audit, newest first.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`

	// Approved reports whether the request was allowed to reach the
	// upstream.
	Approved bool `json:"approved"`

	// ResponseStatus is the status returned to the agent.
	ResponseStatus *int `json:"response_status"`

	AgentIP string `json:"agent_ip"`

	// RequestBody and ResponseBody hold size-capped payload captures when
	// the gateway has payload capture enabled.
	RequestBody  *string `json:"request_body,omitempty"`
	ResponseBody *string `json:"response_body,omitempty"`
}
