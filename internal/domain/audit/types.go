// Package audit contains the domain types persisted by the audit store:
// request outcomes, approval grants, paired approvers, and service
// overrides written by the admin plane.
package audit

import (
	"fmt"
	"time"
)

// Approver identity sentinels recorded when a decision did not come from
// a human approver.
const (
	// ApproverTimeout is recorded when the approval deadline expired.
	ApproverTimeout = "timeout"
	// ApproverTelegramError is recorded when the prompt could not be
	// delivered to the chat transport.
	ApproverTelegramError = "telegram_error"
	// ApproverUnpaired is recorded when pairing is enabled but no paired
	// approver exists to receive the prompt.
	ApproverUnpaired = "unpaired"
	// ApproverEvicted is recorded when the pending registry hit capacity
	// and dropped the oldest waiter.
	ApproverEvicted = "evicted"
)

// RequestRecord is one row in the requests table: exactly one terminal
// outcome per proxied request. Append-only.
type RequestRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	// Approved reports whether the request was allowed to reach the
	// upstream, by policy or by a live grant. Post-approval failures
	// (blocked redirect, upstream error) keep Approved true.
	Approved bool `json:"approved"`
	// ResponseStatus is the status returned to the agent, or the
	// upstream status when the request was forwarded. Nullable in the
	// schema; the gateway always sets it.
	ResponseStatus *int   `json:"response_status"`
	AgentIP        string `json:"agent_ip"`
	// RequestBody and ResponseBody hold size-capped payload captures.
	// Nil when capture is disabled or the request carried no body.
	RequestBody  *string `json:"request_body,omitempty"`
	ResponseBody *string `json:"response_body,omitempty"`
}

// ApprovalRecord is one row in the approvals table. Rows are immutable
// except for the Revoked flag.
type ApprovalRecord struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Service    string    `json:"service"`
	ApprovedBy string    `json:"approved_by"`
	TTLSeconds int64     `json:"ttl_seconds"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
}

// PairedApprover binds an external chat identity to the approver role.
type PairedApprover struct {
	ChatID   int64     `json:"chat_id"`
	Name     string    `json:"name"`
	PairedAt time.Time `json:"paired_at"`
}

// ServiceOverride is an admin-written service definition that shadows
// the config-file definition of the same name. ConfigJSON holds the
// serialized definition; the guard re-validates it before installation.
type ServiceOverride struct {
	ServiceName string    `json:"service_name"`
	ConfigJSON  string    `json:"config_json"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UsageStats aggregates request outcomes for the dashboard, all counted
// since a caller-supplied cutoff.
type UsageStats struct {
	Since     time.Time        `json:"since"`
	Total     int64            `json:"total"`
	Approved  int64            `json:"approved"`
	Denied    int64            `json:"denied"`
	ByService map[string]int64 `json:"by_service"`
	ByMethod  map[string]int64 `json:"by_method"`
	// ByHour indexes request counts by UTC hour of day, 0 through 23.
	ByHour map[int]int64 `json:"by_hour"`
}

// TruncationMarker is appended to a captured payload that was cut at the
// capture cap when the original length is unknown.
const TruncationMarker = "... [truncated]"

// Truncate caps a captured payload at max bytes. Payloads over the cap
// carry a marker recording the original length. A non-positive max
// disables capture.
func Truncate(body []byte, max int) *string {
	if max <= 0 || len(body) == 0 {
		return nil
	}
	if len(body) <= max {
		s := string(body)
		return &s
	}
	s := fmt.Sprintf("%s... [truncated, %d bytes total]", body[:max], len(body))
	return &s
}
