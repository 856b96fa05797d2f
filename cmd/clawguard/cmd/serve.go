package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawguard/clawguard/internal/adapter/inbound/admin"
	"github.com/clawguard/clawguard/internal/adapter/inbound/gateway"
	"github.com/clawguard/clawguard/internal/adapter/outbound/sqlite"
	"github.com/clawguard/clawguard/internal/adapter/outbound/telegram"
	"github.com/clawguard/clawguard/internal/config"
	"github.com/clawguard/clawguard/internal/domain/approval"
	"github.com/clawguard/clawguard/internal/domain/service"
	"github.com/clawguard/clawguard/internal/domain/session"
	"github.com/clawguard/clawguard/internal/observability"
	svc "github.com/clawguard/clawguard/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the ClawGuard gateway.

The gateway listens on server.listen_addr (default 127.0.0.1:8473) and
proxies agent requests to configured services after identity, security
guard, policy, and approval checks pass.

Examples:
  # Start with config file settings
  clawguard serve

  # Start with a specific config file
  clawguard --config /path/to/clawguard.yaml serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// CLI flags win over file and environment.
	if logLevelFlag != "" {
		cfg.Server.LogLevel = logLevelFlag
	}
	if logFormatFlag != "" {
		cfg.Server.LogFormat = logFormatFlag
	}

	logger := buildLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("clawguard stopped")
	return nil
}

// run wires all components together and blocks until shutdown: audit
// store, approval coordinator, Telegram notifier, routing table with
// admin overrides, admin plane, and finally the gateway transport.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := sqlite.Open(ctx, cfg.Audit.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer func() { _ = store.Close() }()
	logger.Info("audit store opened", "path", cfg.Audit.DBPath)

	// Telegram is the approval channel. Without it, gated requests fail
	// closed: the coordinator denies them as unpaired.
	var notifier approval.Notifier
	var bot *telegram.Notifier
	if cfg.Telegram.Enabled() {
		opts := []telegram.Option{}
		if secret := cfg.Telegram.ResolvePairingSecret(); secret != "" {
			opts = append(opts, telegram.WithPairingSecret(secret))
		}
		if cfg.Telegram.ChatID != 0 {
			opts = append(opts, telegram.WithChatID(cfg.Telegram.ChatID))
		}
		bot, err = telegram.New(cfg.Telegram.ResolveBotToken(), store, logger, opts...)
		if err != nil {
			return fmt.Errorf("failed to create telegram notifier: %w", err)
		}
		notifier = bot
	} else {
		logger.Warn("telegram disabled, approval-gated requests will be denied as unpaired")
		notifier = disabledNotifier{}
	}

	coordinator := approval.NewCoordinator(store, notifier, logger,
		approval.WithDeadline(cfg.Approval.DeadlineDuration()),
		approval.WithMaxPending(cfg.Approval.MaxPending),
	)
	if err := coordinator.Hydrate(ctx); err != nil {
		return fmt.Errorf("failed to hydrate grants: %w", err)
	}

	if bot != nil {
		bot.BindResolver(coordinator)
		go func() {
			if err := bot.Start(ctx); err != nil {
				logger.Error("telegram notifier stopped", "error", err)
			}
		}()
	}

	policyService, err := svc.NewPolicyService(logger)
	if err != nil {
		return fmt.Errorf("failed to create policy service: %w", err)
	}

	// The table starts empty; OverrideService.Load installs the config
	// services with persisted admin overrides layered on top.
	table := service.NewTable(nil)
	overrides := svc.NewOverrideService(store, table, policyService, cfg.Security.GuardPolicy(), cfg.Services, logger)
	if err := overrides.Load(ctx); err != nil {
		return fmt.Errorf("failed to load services: %w", err)
	}

	if cfg.Observability.Enabled {
		shutdown, err := observability.Setup("clawguard", Version, logger)
		if err != nil {
			return fmt.Errorf("failed to set up telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	var adminRoutes http.Handler
	if cfg.Admin.Enabled {
		sessions := session.NewManager(cfg.Admin.SessionTimeout())
		adminRoutes = admin.New(
			admin.WithOverrideService(overrides),
			admin.WithTable(table),
			admin.WithCoordinator(coordinator),
			admin.WithStore(store),
			admin.WithSessions(sessions),
			admin.WithPINHash(cfg.Admin.PINHash),
			admin.WithIPAllowlist(cfg.Admin.IPAllowlist),
			admin.WithLogger(logger),
		).Routes()
		logger.Info("admin plane enabled", "path", "/__admin")
	}

	agentKey, err := cfg.Identity.ResolveAgentKey()
	if err != nil {
		return err
	}

	serviceCount := len(table.Names())
	logger.Info("clawguard starting",
		"version", Version,
		"listen_addr", cfg.Server.ListenAddr,
		"services", serviceCount,
		"telegram", cfg.Telegram.Enabled(),
		"admin", cfg.Admin.Enabled,
		"audit_db", cfg.Audit.DBPath,
	)

	printBanner(Version, cfg.Server.ListenAddr, serviceCount, cfg.Telegram.Enabled(), cfg.Admin.Enabled)

	transport := gateway.New(table, policyService, coordinator, store,
		gateway.WithAddr(cfg.Server.ListenAddr),
		gateway.WithLogger(logger),
		gateway.WithAgentKey(agentKey, cfg.Identity.AcceptLegacyHeader),
		gateway.WithGuard(cfg.Security.GuardPolicy()),
		gateway.WithAdminHandler(adminRoutes),
		gateway.WithVersion(Version),
		gateway.WithUpstreamTimeout(cfg.Proxy.Timeout()),
		gateway.WithMaxBodyBytes(cfg.Proxy.MaxBodyBytes),
		gateway.WithPayloadCapture(cfg.Audit.CapturePayloads, cfg.Audit.MaxPayloadLogSize),
	)
	return transport.Start(ctx)
}

// disabledNotifier stands in when no bot token is configured. Every
// prompt fails with ErrNoApprovers so the coordinator denies as unpaired.
type disabledNotifier struct{}

func (disabledNotifier) SendPrompt(ctx context.Context, p *approval.PendingApproval) error {
	return approval.ErrNoApprovers
}

// buildLogger constructs the process logger writing to stderr.
func buildLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a formatted startup banner to stderr with version,
// addresses, and configuration summary.
func printBanner(version, listenAddr string, serviceCount int, telegramOn, adminOn bool) {
	const (
		reset = "\033[0m"
		bold  = "\033[1m"
		cyan  = "\033[36m"
		green = "\033[32m"
		red   = "\033[31m"
		dim   = "\033[2m"
	)

	baseURL := fmt.Sprintf("http://%s", listenAddr)
	if strings.HasPrefix(listenAddr, ":") {
		baseURL = fmt.Sprintf("http://localhost%s", listenAddr)
	}

	approvalsStr := green + "telegram" + reset
	if !telegramOn {
		approvalsStr = red + "disabled" + reset + dim + " (gated requests denied)" + reset
	}
	adminStr := green + "enabled" + reset + dim + " " + baseURL + "/__admin" + reset
	if !adminOn {
		adminStr = dim + "disabled" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s ClawGuard %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Gateway:", baseURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Admin:", adminStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Approvals:", approvalsStr)
	fmt.Fprintf(os.Stderr, "  %-14s %d configured\n", "Services:", serviceCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
