// Package config defines the gateway's configuration schema and loading.
//
// Configuration comes from an optional YAML file plus CLAWGUARD_* environment
// variables; environment wins. Secrets may be given inline or indirected
// through *_env fields naming an environment variable that is read at load
// time, so the config file never has to hold plaintext credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/clawguard/clawguard/internal/domain/guard"
	"github.com/clawguard/clawguard/internal/domain/service"
)

// Built-in defaults. Anything not listed here defaults to its zero value.
const (
	// DefaultListenAddr binds to localhost only. Network exposure must be
	// an explicit choice.
	DefaultListenAddr = "127.0.0.1:8473"

	// DefaultMaxBodyBytes caps the buffered inbound request body (10 MiB).
	DefaultMaxBodyBytes = int64(10 << 20)

	// DefaultPayloadLogSize caps captured payload bytes per direction.
	DefaultPayloadLogSize = 2048

	// DefaultDBPath is where the audit database lands when unconfigured.
	DefaultDBPath = "./clawguard.db"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Identity      IdentityConfig      `yaml:"identity" mapstructure:"identity"`
	Proxy         ProxyConfig         `yaml:"proxy" mapstructure:"proxy"`
	Approval      ApprovalConfig      `yaml:"approval" mapstructure:"approval"`
	Telegram      TelegramConfig      `yaml:"telegram" mapstructure:"telegram"`
	Security      SecurityConfig      `yaml:"security" mapstructure:"security"`
	Audit         AuditConfig         `yaml:"audit" mapstructure:"audit"`
	Admin         AdminConfig         `yaml:"admin" mapstructure:"admin"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`

	// Services are the routing targets baked into the config file. Admin
	// overrides are layered on top at runtime and win by name.
	Services []service.Definition `yaml:"services" mapstructure:"services"`
}

// ServerConfig configures the gateway listener and logging.
type ServerConfig struct {
	// ListenAddr is the address the gateway listens on.
	// Defaults to "127.0.0.1:8473" (localhost only).
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostport"`

	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	// Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects "text" or "json" log output. Defaults to "text".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`
}

// IdentityConfig configures how agents authenticate to the gateway.
type IdentityConfig struct {
	// AgentKey is the shared secret agents present in X-ClawGuard-Key.
	AgentKey string `yaml:"agent_key" mapstructure:"agent_key"`

	// AgentKeyEnv names an environment variable holding the agent key.
	// Wins over AgentKey when set.
	AgentKeyEnv string `yaml:"agent_key_env" mapstructure:"agent_key_env"`

	// AcceptLegacyHeader also accepts the X-AgentGate-Key alias, for
	// agents that predate the rename. Defaults to true.
	AcceptLegacyHeader bool `yaml:"accept_legacy_header" mapstructure:"accept_legacy_header"`
}

// ResolveAgentKey returns the agent secret, reading the indirection
// variable when one is named.
func (c IdentityConfig) ResolveAgentKey() (string, error) {
	if c.AgentKeyEnv != "" {
		v := os.Getenv(c.AgentKeyEnv)
		if v == "" {
			return "", fmt.Errorf("identity.agent_key_env: environment variable %s is not set", c.AgentKeyEnv)
		}
		return v, nil
	}
	if c.AgentKey == "" {
		return "", fmt.Errorf("identity.agent_key or identity.agent_key_env is required")
	}
	return c.AgentKey, nil
}

// ProxyConfig configures the upstream forwarding path.
type ProxyConfig struct {
	// UpstreamTimeout bounds one upstream round trip (e.g. "30s").
	// Defaults to "30s".
	UpstreamTimeout string `yaml:"upstream_timeout" mapstructure:"upstream_timeout" validate:"omitempty,duration"`

	// MaxBodyBytes caps the buffered inbound request body.
	// Defaults to 10 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"omitempty,min=1"`
}

// Timeout returns the parsed upstream timeout.
func (c ProxyConfig) Timeout() time.Duration {
	return durationOr(c.UpstreamTimeout, 30*time.Second)
}

// ApprovalConfig configures the human-approval pipeline.
type ApprovalConfig struct {
	// Deadline is how long a gated request waits for a decision before
	// timing out (e.g. "120s"). Independent of any grant TTL.
	Deadline string `yaml:"deadline" mapstructure:"deadline" validate:"omitempty,duration"`

	// MaxPending bounds concurrently waiting requests; the oldest waiter
	// is evicted (denied) when the registry is full. Defaults to 100.
	MaxPending int `yaml:"max_pending" mapstructure:"max_pending" validate:"omitempty,min=1"`
}

// DeadlineDuration returns the parsed approval deadline.
func (c ApprovalConfig) DeadlineDuration() time.Duration {
	return durationOr(c.Deadline, 120*time.Second)
}

// TelegramConfig configures the approval bot. An empty bot token disables
// Telegram entirely; gated requests then fail closed as unpaired.
type TelegramConfig struct {
	// BotToken authenticates the bot to the Telegram API.
	BotToken string `yaml:"bot_token" mapstructure:"bot_token"`

	// BotTokenEnv names an environment variable holding the bot token.
	// Wins over BotToken when set.
	BotTokenEnv string `yaml:"bot_token_env" mapstructure:"bot_token_env"`

	// ChatID pins approval prompts to a single chat. Ignored when
	// pairing is enabled; paired approvers receive prompts instead.
	ChatID int64 `yaml:"chat_id" mapstructure:"chat_id"`

	// PairingSecret enables the /pair command; approvers present it once
	// to enroll. Empty disables pairing.
	PairingSecret string `yaml:"pairing_secret" mapstructure:"pairing_secret"`

	// PairingSecretEnv names an environment variable holding the pairing
	// secret. Wins over PairingSecret when set.
	PairingSecretEnv string `yaml:"pairing_secret_env" mapstructure:"pairing_secret_env"`
}

// ResolveBotToken returns the bot token, empty when Telegram is disabled.
func (c TelegramConfig) ResolveBotToken() string {
	if c.BotTokenEnv != "" {
		return os.Getenv(c.BotTokenEnv)
	}
	return c.BotToken
}

// ResolvePairingSecret returns the pairing secret, empty when pairing is
// disabled.
func (c TelegramConfig) ResolvePairingSecret() string {
	if c.PairingSecretEnv != "" {
		return os.Getenv(c.PairingSecretEnv)
	}
	return c.PairingSecret
}

// Enabled reports whether a bot token is available.
func (c TelegramConfig) Enabled() bool {
	return c.ResolveBotToken() != ""
}

// SecurityConfig configures the upstream security guard.
type SecurityConfig struct {
	// AllowedHosts restricts upstream hostnames: exact names or dotted
	// suffixes such as ".github.com". Empty allows any host.
	AllowedHosts []string `yaml:"allowed_hosts" mapstructure:"allowed_hosts"`

	// BlockPrivateIPs rejects upstreams whose host is a loopback,
	// private, or link-local IP literal. Defaults to true.
	BlockPrivateIPs bool `yaml:"block_private_ips" mapstructure:"block_private_ips"`

	// ResolveDNS additionally resolves upstream hostnames and rejects
	// names that answer with private addresses.
	ResolveDNS bool `yaml:"resolve_dns" mapstructure:"resolve_dns"`
}

// GuardPolicy converts the section into the guard's policy value.
func (c SecurityConfig) GuardPolicy() guard.Policy {
	return guard.Policy{
		Allowlist:    c.AllowedHosts,
		BlockPrivate: c.BlockPrivateIPs,
		ResolveDNS:   c.ResolveDNS,
	}
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// DBPath is the SQLite database location. Defaults to "./clawguard.db".
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	// CapturePayloads stores request and response body prefixes in audit
	// records. Off by default: payloads can hold secrets.
	CapturePayloads bool `yaml:"capture_payloads" mapstructure:"capture_payloads"`

	// MaxPayloadLogSize caps stored payload bytes per direction.
	// Defaults to 2048.
	MaxPayloadLogSize int `yaml:"max_payload_log_size" mapstructure:"max_payload_log_size" validate:"omitempty,min=1"`
}

// AdminConfig configures the /__admin control plane.
type AdminConfig struct {
	// Enabled turns the admin API on. Defaults to true when PINHash is
	// set, false otherwise.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// PINHash is the argon2id (or "sha256:"-prefixed) hash of the admin
	// PIN. Generate with `clawguard hash-pin`. Plaintext never appears
	// in config.
	PINHash string `yaml:"pin_hash" mapstructure:"pin_hash"`

	// IPAllowlist admits admin clients by exact IP or CIDR. Empty admits
	// loopback only.
	IPAllowlist []string `yaml:"ip_allowlist" mapstructure:"ip_allowlist" validate:"omitempty,cidr_list"`

	// SessionTTL is the admin session lifetime (e.g. "30m"). Sessions
	// slide on use. Defaults to "30m".
	SessionTTL string `yaml:"session_ttl" mapstructure:"session_ttl" validate:"omitempty,duration"`
}

// SessionTimeout returns the parsed admin session TTL.
func (c AdminConfig) SessionTimeout() time.Duration {
	return durationOr(c.SessionTTL, 30*time.Minute)
}

// ObservabilityConfig configures OpenTelemetry output.
type ObservabilityConfig struct {
	// Enabled turns on tracing and metrics with stdout exporters.
	// Off by default.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults applies default values to unset fields. Boolean fields whose
// default is true consult viper.IsSet so an explicit `false` in YAML or
// environment survives.
func (c *Config) SetDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}

	if !viper.IsSet("identity.accept_legacy_header") {
		c.Identity.AcceptLegacyHeader = true
	}

	if c.Proxy.UpstreamTimeout == "" {
		c.Proxy.UpstreamTimeout = "30s"
	}
	if c.Proxy.MaxBodyBytes == 0 {
		c.Proxy.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if c.Approval.Deadline == "" {
		c.Approval.Deadline = "120s"
	}
	if c.Approval.MaxPending == 0 {
		c.Approval.MaxPending = 100
	}

	if !viper.IsSet("security.block_private_ips") {
		c.Security.BlockPrivateIPs = true
	}

	if c.Audit.DBPath == "" {
		c.Audit.DBPath = DefaultDBPath
	}
	if c.Audit.MaxPayloadLogSize == 0 {
		c.Audit.MaxPayloadLogSize = DefaultPayloadLogSize
	}

	if c.Admin.SessionTTL == "" {
		c.Admin.SessionTTL = "30m"
	}
	if !viper.IsSet("admin.enabled") {
		c.Admin.Enabled = c.Admin.PINHash != ""
	}

	for i := range c.Services {
		c.Services[i].Normalize()
	}
}

// durationOr parses s, falling back when s is empty or malformed.
// Validation rejects malformed duration strings before this runs.
func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
