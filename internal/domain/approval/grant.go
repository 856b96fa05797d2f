// Package approval owns the human-in-the-loop core: the grant state
// machine, the registry of pending approval waiters, and the coordinator
// that suspends requests until a decision arrives on the out-of-band
// channel. Grants are persisted before they are installed so a restart
// reconstructs the live set.
package approval

import (
	"time"
)

// Callback actions carried by the prompt buttons. Each callback is keyed
// by (action, request id).
const (
	ActionApproveOnce = "approve_once"
	ActionApprove15m  = "approve_15m"
	ActionApprove1h   = "approve_1h"
	ActionApprove8h   = "approve_8h"
	ActionApprove24h  = "approve_24h"
	ActionDeny        = "deny"
)

// ttlByAction maps approval actions to grant TTLs. "Once" is one second:
// effectively single-shot, forcing re-approval on the next request.
var ttlByAction = map[string]time.Duration{
	ActionApproveOnce: 1 * time.Second,
	ActionApprove15m:  15 * time.Minute,
	ActionApprove1h:   1 * time.Hour,
	ActionApprove8h:   8 * time.Hour,
	ActionApprove24h:  24 * time.Hour,
}

// TTLForAction returns the grant TTL for an approval action. ok is false
// for unknown actions and for deny, which carries no TTL.
func TTLForAction(action string) (time.Duration, bool) {
	ttl, ok := ttlByAction[action]
	return ttl, ok
}

// Grant is a time-bounded, service-scoped authorization installed after
// an approval. The revoked state is not represented here: revoked grants
// are removed from the live map and flagged in the store.
type Grant struct {
	Service    string    `json:"service"`
	ApprovedBy string    `json:"approved_by"`
	GrantedAt  time.Time `json:"granted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Live reports whether the grant authorizes requests at instant now.
func (g Grant) Live(now time.Time) bool {
	return now.Before(g.ExpiresAt)
}

// Remaining returns the time left on the grant, never negative.
func (g Grant) Remaining(now time.Time) time.Duration {
	if !g.Live(now) {
		return 0
	}
	return g.ExpiresAt.Sub(now)
}
