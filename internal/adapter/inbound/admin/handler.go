// Package admin provides the JSON API behind /__admin: PIN login with
// short-lived bearer sessions, live service inspection, override CRUD,
// grant revocation, usage stats, and config export. Access requires the
// source IP to pass the admin allowlist before any credential is looked
// at.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/clawguard/clawguard/internal/domain/approval"
	"github.com/clawguard/clawguard/internal/domain/service"
	"github.com/clawguard/clawguard/internal/domain/session"
	"github.com/clawguard/clawguard/internal/port/outbound"
	svc "github.com/clawguard/clawguard/internal/service"
)

// Handler serves the admin JSON API.
type Handler struct {
	overrides   *svc.OverrideService
	table       *service.Table
	approvals   *approval.Coordinator
	store       outbound.Store
	sessions    *session.Manager
	pinHash     string
	ipAllowlist []string
	logger      *slog.Logger
}

// Option configures a Handler dependency.
type Option func(*Handler)

// WithOverrideService sets the override CRUD service.
func WithOverrideService(s *svc.OverrideService) Option {
	return func(h *Handler) { h.overrides = s }
}

// WithTable sets the live routing table read by inspection endpoints.
func WithTable(t *service.Table) Option {
	return func(h *Handler) { h.table = t }
}

// WithCoordinator sets the approval coordinator for grant views and
// revocation.
func WithCoordinator(c *approval.Coordinator) Option {
	return func(h *Handler) { h.approvals = c }
}

// WithStore sets the audit store used for overrides reads and stats.
func WithStore(s outbound.Store) Option {
	return func(h *Handler) { h.store = s }
}

// WithSessions sets the session manager issuing login tokens.
func WithSessions(m *session.Manager) Option {
	return func(h *Handler) { h.sessions = m }
}

// WithPINHash sets the stored admin PIN hash (argon2id or sha256:).
func WithPINHash(hash string) Option {
	return func(h *Handler) { h.pinHash = hash }
}

// WithIPAllowlist sets the admin source-IP allowlist. Empty means
// loopback only.
func WithIPAllowlist(list []string) Option {
	return func(h *Handler) { h.ipAllowlist = list }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// New creates an admin Handler with the given options.
func New(opts ...Option) *Handler {
	h := &Handler{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the admin route set. Login is reachable with only the
// IP check; everything else also needs a valid session token.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /__admin/login", loginRateLimitMiddleware(loginAttemptsPerWindow, loginWindow, http.HandlerFunc(h.handleLogin)))

	protected := http.NewServeMux()
	protected.HandleFunc("POST /__admin/logout", h.handleLogout)
	protected.HandleFunc("GET /__admin/services", h.handleListServices)
	protected.HandleFunc("GET /__admin/overrides", h.handleListOverrides)
	protected.HandleFunc("GET /__admin/overrides/{service}", h.handleGetOverride)
	protected.HandleFunc("PUT /__admin/overrides/{service}", h.handleUpsertOverride)
	protected.HandleFunc("DELETE /__admin/overrides/{service}", h.handleDeleteOverride)
	protected.HandleFunc("GET /__admin/approvals", h.handleListApprovals)
	protected.HandleFunc("POST /__admin/approvals/revoke", h.handleRevoke)
	protected.HandleFunc("POST /__admin/approvals/revoke_all", h.handleRevokeAll)
	protected.HandleFunc("GET /__admin/stats", h.handleStats)
	protected.HandleFunc("GET /__admin/export", h.handleExport)

	mux.Handle("/__admin/", h.sessionMiddleware(protected))

	return h.ipAllowMiddleware(mux)
}

// --- JSON helpers ---

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
