package guard

import (
	"net"
	"strings"
)

// IPAllowed reports whether a client address may reach the admin surface.
// Allowlist entries are exact IP strings or CIDR notation such as
// 10.0.0.0/8. IPv4-mapped IPv6 clients (::ffff:a.b.c.d, common behind
// dual-stack listeners) are compared as plain IPv4. An empty allowlist
// admits loopback only; remote admin access must be granted explicitly.
func IPAllowed(clientIP string, allowlist []string) bool {
	parsed := net.ParseIP(strings.TrimSpace(clientIP))
	if parsed == nil {
		return false
	}
	if v4 := parsed.To4(); v4 != nil {
		parsed = v4
	}
	if len(allowlist) == 0 {
		return parsed.IsLoopback()
	}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case strings.Contains(entry, "/"):
			if _, network, err := net.ParseCIDR(entry); err == nil && network.Contains(parsed) {
				return true
			}
		default:
			if e := net.ParseIP(entry); e != nil && e.Equal(parsed) {
				return true
			}
		}
	}
	return false
}
