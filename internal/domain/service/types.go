// Package service defines the gateway's routing targets: named services
// with an upstream base URL, intercept hostnames for Host-header routing,
// a credential-injection recipe, and an approval policy. Definitions come
// from the config file or from admin-written overrides; both serialize to
// the same shape.
package service

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Action is the outcome of policy evaluation for a request.
type Action string

const (
	// ActionAutoApprove forwards the request without a human decision.
	ActionAutoApprove Action = "auto_approve"
	// ActionRequireApproval gates the request behind an approval grant.
	ActionRequireApproval Action = "require_approval"
)

// Valid reports whether a is one of the two known actions.
func (a Action) Valid() bool {
	return a == ActionAutoApprove || a == ActionRequireApproval
}

// CredentialKind selects how the upstream token is injected.
type CredentialKind string

const (
	// CredentialNone injects nothing.
	CredentialNone CredentialKind = ""
	// CredentialBearer sets "Authorization: Bearer <token>".
	CredentialBearer CredentialKind = "bearer"
	// CredentialHeader sets a named header to the token.
	CredentialHeader CredentialKind = "header"
	// CredentialQuery appends or replaces a named query parameter.
	CredentialQuery CredentialKind = "query"
)

// maskedToken replaces stored secrets on every read surface.
const maskedToken = "***"

// Credential is a service's injection recipe. The token never travels to
// the agent; it is injected after gateway-internal headers are stripped.
type Credential struct {
	Kind CredentialKind `json:"kind" yaml:"kind" mapstructure:"kind"`
	// Name is the header or query parameter that receives the token.
	// Ignored for bearer.
	Name string `json:"name,omitempty" yaml:"name,omitempty" mapstructure:"name"`
	// Token is the literal secret. TokenEnv names an environment
	// variable to read at resolution time and wins over Token.
	Token    string `json:"token,omitempty" yaml:"token,omitempty" mapstructure:"token"`
	TokenEnv string `json:"token_env,omitempty" yaml:"token_env,omitempty" mapstructure:"token_env"`
}

// ResolveToken returns the secret to inject.
func (c Credential) ResolveToken() (string, error) {
	if c.TokenEnv != "" {
		v := os.Getenv(c.TokenEnv)
		if v == "" {
			return "", fmt.Errorf("credential env %s is not set", c.TokenEnv)
		}
		return v, nil
	}
	if c.Token == "" && c.Kind != CredentialNone {
		return "", fmt.Errorf("credential of kind %q has no token", c.Kind)
	}
	return c.Token, nil
}

// Rule is one policy entry. Predicates are conjunctive; empty predicates
// match anything. Condition holds an optional CEL expression compiled by
// the policy engine.
type Rule struct {
	Method     string `json:"method,omitempty" yaml:"method,omitempty" mapstructure:"method"`
	PathPrefix string `json:"path_prefix,omitempty" yaml:"path_prefix,omitempty" mapstructure:"path_prefix"`
	Condition  string `json:"condition,omitempty" yaml:"condition,omitempty" mapstructure:"condition"`
	Action     Action `json:"action" yaml:"action" mapstructure:"action"`
}

// Matches reports whether the method and path predicates accept the
// request. Method comparison is case-insensitive equality; path matches
// by prefix on the upstream path. The CEL condition is not evaluated
// here.
func (r Rule) Matches(method, path string) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	if r.PathPrefix != "" && !strings.HasPrefix(path, r.PathPrefix) {
		return false
	}
	return true
}

// Policy is a service's ordered rule list plus the default action taken
// when no rule matches. Rules are evaluated in declared order; the first
// match wins.
type Policy struct {
	Default Action `json:"default" yaml:"default" mapstructure:"default"`
	Rules   []Rule `json:"rules,omitempty" yaml:"rules,omitempty" mapstructure:"rules"`
}

// Definition is one routing target. The same struct serializes to YAML in
// the config file and to JSON in the service_overrides table.
type Definition struct {
	Name     string `json:"name" yaml:"name" mapstructure:"name"`
	Upstream string `json:"upstream" yaml:"upstream" mapstructure:"upstream"`
	// InterceptHosts lists hostnames routed to this service when the
	// request path does not name a service (Host-header mode).
	InterceptHosts []string   `json:"intercept_hosts,omitempty" yaml:"intercept_hosts,omitempty" mapstructure:"intercept_hosts"`
	Credential     Credential `json:"credential" yaml:"credential" mapstructure:"credential"`
	Policy         Policy     `json:"policy" yaml:"policy" mapstructure:"policy"`
}

// ParseBase parses and normalizes the upstream base URL. The trailing
// slash is trimmed so path joining stays predictable.
func (d Definition) ParseBase() (*url.URL, error) {
	raw := strings.TrimRight(strings.TrimSpace(d.Upstream), "/")
	if raw == "" {
		return nil, fmt.Errorf("service %q has no upstream", d.Name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("service %q upstream: %w", d.Name, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("service %q upstream %q has no host", d.Name, d.Upstream)
	}
	return u, nil
}

// InterceptsHost reports whether host (already port-stripped) appears in
// the definition's intercept list.
func (d Definition) InterceptsHost(host string) bool {
	h := strings.ToLower(host)
	for _, entry := range d.InterceptHosts {
		if strings.ToLower(strings.TrimSpace(entry)) == h {
			return true
		}
	}
	return false
}

// Masked returns a copy safe for read surfaces: credential secrets are
// replaced with a fixed marker, everything else round-trips intact.
func (d Definition) Masked() Definition {
	out := d
	if out.Credential.Token != "" {
		out.Credential.Token = maskedToken
	}
	return out
}

// ValidName reports whether name can be used as a routable service name:
// lowercase alphanumerics, dashes, and underscores, starting with an
// alphanumeric, at most 64 bytes. Names starting with an underscore are
// rejected, which keeps the introspection prefix "__" unroutable.
func ValidName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// DefaultPolicy is applied when a definition omits its policy block:
// everything requires approval.
func DefaultPolicy() Policy {
	return Policy{Default: ActionRequireApproval}
}

// Normalize fills policy defaults in place so downstream code never sees
// a zero Action.
func (d *Definition) Normalize() {
	if d.Policy.Default == "" {
		d.Policy.Default = ActionRequireApproval
	}
}
