package approval

import (
	"testing"
	"time"
)

func TestTTLForAction(t *testing.T) {
	cases := []struct {
		action string
		want   time.Duration
		ok     bool
	}{
		{ActionApproveOnce, time.Second, true},
		{ActionApprove15m, 15 * time.Minute, true},
		{ActionApprove1h, time.Hour, true},
		{ActionApprove8h, 8 * time.Hour, true},
		{ActionApprove24h, 24 * time.Hour, true},
		{ActionDeny, 0, false},
		{"approve_forever", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			got, ok := TTLForAction(tc.action)
			if ok != tc.ok || got != tc.want {
				t.Errorf("TTLForAction(%q) = (%v, %v), want (%v, %v)", tc.action, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestGrantLiveness(t *testing.T) {
	now := time.Now().UTC()
	g := Grant{Service: "gh", GrantedAt: now, ExpiresAt: now.Add(time.Hour)}

	if !g.Live(now) {
		t.Error("fresh grant not live")
	}
	if g.Live(now.Add(time.Hour)) {
		t.Error("grant live at its expiry instant, want exclusive bound")
	}
	if got := g.Remaining(now.Add(30 * time.Minute)); got != 30*time.Minute {
		t.Errorf("Remaining = %v, want 30m", got)
	}
	if got := g.Remaining(now.Add(2 * time.Hour)); got != 0 {
		t.Errorf("Remaining after expiry = %v, want 0", got)
	}
}
