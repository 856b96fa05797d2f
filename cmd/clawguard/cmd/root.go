// Package cmd provides the CLI commands for ClawGuard.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawguard/clawguard/internal/config"
)

var cfgFile string
var logLevelFlag string
var logFormatFlag string

var rootCmd = &cobra.Command{
	Use:   "clawguard",
	Short: "ClawGuard - Credential Gateway for AI Agents",
	Long: `ClawGuard is a gated reverse proxy that holds API credentials so the
agents calling through it never see them.

An agent sends a credential-free request to the gateway; ClawGuard
verifies the agent's shared key, routes to the configured service,
checks the destination against security policy, asks a human for
approval over Telegram when policy requires it, injects the real
credential, and forwards. Every terminal decision lands in a SQLite
audit trail.

Quick start:
  1. Create a config file: clawguard.yaml
  2. Hash an admin PIN: clawguard hash-pin "1234"
  3. Run: clawguard serve

Configuration:
  Config is loaded from clawguard.yaml in the current directory,
  $HOME/.clawguard/, or /etc/clawguard/.

  Environment variables can override config values with the CLAWGUARD_ prefix.
  Example: CLAWGUARD_SERVER_LISTEN_ADDR=127.0.0.1:9090

Commands:
  serve       Start the gateway
  hash-pin    Generate a hash of the admin PIN for use in config
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./clawguard.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "log format: text or json (overrides config)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
