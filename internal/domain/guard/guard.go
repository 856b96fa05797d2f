// Package guard implements the pure validation functions applied to
// upstream targets: hostname allowlist matching, private-address blocking,
// protocol whitelisting, the runtime host pin on constructed URLs, and
// redirect re-validation. The functions hold no state; callers pass the
// loaded Policy explicitly so the same checks run at config load, per
// request, and on admin override writes.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Policy carries the security settings the guard checks against.
type Policy struct {
	// Allowlist is the set of permitted upstream hostnames. Empty means
	// allow all (back-compat with allowlist-free deployments).
	Allowlist []string
	// BlockPrivate blocks upstream hosts that are literal IPs inside a
	// private or reserved range.
	BlockPrivate bool
	// ResolveDNS enables the advisory resolution check that flags
	// hostnames resolving to private addresses.
	ResolveDNS bool
}

// Guard check failures. The gateway maps all of them to the same fixed
// 403 payload; the distinct values exist for logs and tests.
var (
	ErrSchemeBlocked  = errors.New("scheme not allowed")
	ErrHostNotAllowed = errors.New("host not in allowlist")
	ErrPrivateAddress = errors.New("private address blocked")
	ErrHostMismatch   = errors.New("constructed host does not match upstream host")
	ErrPathTraversal  = errors.New("path traversal in upstream path")
)

// privateNetworks contains the CIDR ranges blocked from upstream access.
// 0.0.0.0/8 is included: some stacks treat 0.0.0.0 as localhost.
var privateNetworks []*net.IPNet

func init() {
	cidrs := []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC 1918 private
		"172.16.0.0/12",  // RFC 1918 private
		"192.168.0.0/16", // RFC 1918 private
		"169.254.0.0/16", // Link-local (cloud metadata at 169.254.169.254)
		"0.0.0.0/8",      // "This network"; 0.0.0.0 aliases localhost on Linux
		"::1/128",        // IPv6 loopback
		"fc00::/7",       // IPv6 unique local
		"fe80::/10",      // IPv6 link-local
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR in privateNetworks: " + cidr)
		}
		privateNetworks = append(privateNetworks, network)
	}
}

// HostAllowed reports whether hostname passes the allowlist. An empty
// allowlist admits every host. An entry E matches hostname when they are
// equal or hostname ends with "." + E, so "example.com" admits
// "api.example.com" but never "evilexample.com". Comparison is
// case-insensitive.
func HostAllowed(hostname string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	h := strings.ToLower(hostname)
	for _, entry := range allowlist {
		e := strings.ToLower(strings.TrimSpace(entry))
		if e == "" {
			continue
		}
		if h == e || strings.HasSuffix(h, "."+e) {
			return true
		}
	}
	return false
}

// IsPrivateHost reports whether host is an IP literal inside a blocked
// range. Hostnames are not resolved here; ResolvesPrivate covers the
// advisory DNS case.
func IsPrivateHost(host string) bool {
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return false
	}
	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// SchemeAllowed permits exactly http and https.
func SchemeAllowed(scheme string) bool {
	s := strings.ToLower(scheme)
	return s == "http" || s == "https"
}

// PinHost asserts that a constructed upstream URL still points at the
// configured base: byte-exact host equality, no scheme switch, and no
// traversal segments left in the decoded path. This defeats protocol-
// relative references and encoded ../ segments that URL resolution would
// otherwise honor.
func PinHost(constructed, base *url.URL) error {
	if constructed.Scheme != base.Scheme {
		return fmt.Errorf("%w: scheme %q differs from base %q", ErrHostMismatch, constructed.Scheme, base.Scheme)
	}
	if constructed.Host != base.Host {
		return fmt.Errorf("%w: %q != %q", ErrHostMismatch, constructed.Host, base.Host)
	}
	if hasTraversal(constructed.Path) {
		return fmt.Errorf("%w: %q", ErrPathTraversal, constructed.Path)
	}
	return nil
}

func hasTraversal(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// CheckUpstream runs the full per-request guard over a constructed
// upstream URL: protocol whitelist, host pin against the service base,
// allowlist, and private-address block.
func CheckUpstream(constructed, base *url.URL, pol Policy) error {
	if !SchemeAllowed(constructed.Scheme) {
		return fmt.Errorf("%w: %q", ErrSchemeBlocked, constructed.Scheme)
	}
	if err := PinHost(constructed, base); err != nil {
		return err
	}
	host := constructed.Hostname()
	if !HostAllowed(host, pol.Allowlist) {
		return fmt.Errorf("%w: %q", ErrHostNotAllowed, host)
	}
	if pol.BlockPrivate && IsPrivateHost(host) {
		return fmt.Errorf("%w: %q", ErrPrivateAddress, host)
	}
	return nil
}

// CheckBase validates a service's configured base URL at load time:
// protocol whitelist, allowlist, and private-address block. The host pin
// does not apply here because the base is its own reference point.
func CheckBase(base *url.URL, pol Policy) error {
	if !SchemeAllowed(base.Scheme) {
		return fmt.Errorf("%w: %q", ErrSchemeBlocked, base.Scheme)
	}
	host := base.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrHostNotAllowed)
	}
	if !HostAllowed(host, pol.Allowlist) {
		return fmt.Errorf("%w: %q", ErrHostNotAllowed, host)
	}
	if pol.BlockPrivate && IsPrivateHost(host) {
		return fmt.Errorf("%w: %q", ErrPrivateAddress, host)
	}
	return nil
}

// CheckRedirect validates an upstream Location header. The raw value is
// resolved against the URL the response came from, then held to the same
// bar as the original request: host pin against the current URL plus
// allowlist and private-address rules. Cross-host redirects are blocked
// even toward allowlisted hosts; the approval covered one host only.
func CheckRedirect(location string, current *url.URL, pol Policy) (*url.URL, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse redirect location: %w", err)
	}
	target := current.ResolveReference(ref)
	if !SchemeAllowed(target.Scheme) {
		return nil, fmt.Errorf("%w: %q", ErrSchemeBlocked, target.Scheme)
	}
	if err := PinHost(target, current); err != nil {
		return nil, err
	}
	host := target.Hostname()
	if !HostAllowed(host, pol.Allowlist) {
		return nil, fmt.Errorf("%w: %q", ErrHostNotAllowed, host)
	}
	if pol.BlockPrivate && IsPrivateHost(host) {
		return nil, fmt.Errorf("%w: %q", ErrPrivateAddress, host)
	}
	return target, nil
}

// ResolvesPrivate reports whether any resolved address for host falls in
// a blocked range. Advisory only: resolution failures report false so an
// offline resolver cannot fail closed paths that the literal checks
// already cover.
func ResolvesPrivate(ctx context.Context, host string) bool {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return false
	}
	for _, ip := range ips {
		for _, network := range privateNetworks {
			if network.Contains(ip.IP) {
				return true
			}
		}
	}
	return false
}
