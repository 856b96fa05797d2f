package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, CLAWGUARD_CONFIG is consulted, then
// standard locations are searched for clawguard.yaml/.yml. The search
// requires an explicit YAML extension so the binary itself (same base
// name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile == "" {
		configFile = os.Getenv("CLAWGUARD_CONFIG")
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError, which Load treats as env-only mode.
		viper.SetConfigName("clawguard")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: CLAWGUARD_SERVER_LISTEN_ADDR
	viper.SetEnvPrefix("CLAWGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a clawguard config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".clawguard"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "clawguard"))
		}
	} else {
		paths = append(paths, "/etc/clawguard")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for clawguard.yaml
// or .yml. Returns the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "clawguard"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Example: CLAWGUARD_TELEGRAM_BOT_TOKEN overrides
// telegram.bot_token.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.listen_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_format")

	_ = viper.BindEnv("identity.agent_key")
	_ = viper.BindEnv("identity.agent_key_env")
	_ = viper.BindEnv("identity.accept_legacy_header")

	_ = viper.BindEnv("proxy.upstream_timeout")
	_ = viper.BindEnv("proxy.max_body_bytes")

	_ = viper.BindEnv("approval.deadline")
	_ = viper.BindEnv("approval.max_pending")

	_ = viper.BindEnv("telegram.bot_token")
	_ = viper.BindEnv("telegram.bot_token_env")
	_ = viper.BindEnv("telegram.chat_id")
	_ = viper.BindEnv("telegram.pairing_secret")
	_ = viper.BindEnv("telegram.pairing_secret_env")

	// security.allowed_hosts is an array; use the config file for it.
	_ = viper.BindEnv("security.block_private_ips")
	_ = viper.BindEnv("security.resolve_dns")

	_ = viper.BindEnv("audit.db_path")
	_ = viper.BindEnv("audit.capture_payloads")
	_ = viper.BindEnv("audit.max_payload_log_size")

	// admin.ip_allowlist is an array; use the config file for it.
	_ = viper.BindEnv("admin.enabled")
	_ = viper.BindEnv("admin.pin_hash")
	_ = viper.BindEnv("admin.session_ttl")

	_ = viper.BindEnv("observability.enabled")

	// services is an array of structured definitions; env override is
	// not supported, use the config file or the admin override API.
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: run on environment variables alone.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, empty
// when running on environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
