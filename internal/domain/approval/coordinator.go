package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawguard/clawguard/internal/domain/audit"
	"github.com/clawguard/clawguard/internal/domain/service"
)

// DefaultDeadline bounds how long a request waits for a human decision.
// It is independent of any grant TTL.
const DefaultDeadline = 120 * time.Second

// ErrNoApprovers is returned by a Notifier when pairing is enabled and no
// paired approver exists to receive the prompt.
var ErrNoApprovers = errors.New("no paired approvers to notify")

// GrantStore is the persistence the coordinator needs: durable grants
// with revocation and expiry GC. The SQLite audit store implements it.
type GrantStore interface {
	InsertApproval(ctx context.Context, rec *audit.ApprovalRecord) (int64, error)
	RevokeApprovals(ctx context.Context, svc string, now time.Time) (int64, error)
	DeleteExpiredApprovals(ctx context.Context, now time.Time) (int64, error)
	LiveApprovals(ctx context.Context, now time.Time) ([]audit.ApprovalRecord, error)
}

// Notifier delivers approval prompts on the out-of-band channel. Replies
// come back through Coordinator.Resolve, not through this interface.
type Notifier interface {
	SendPrompt(ctx context.Context, p *PendingApproval) error
}

// Coordinator enforces the grant state machine: an in-memory map of live
// grants per service, a registry of pending waiters, persistence through
// the GrantStore, and prompt dispatch through the Notifier.
type Coordinator struct {
	store    GrantStore
	notifier Notifier
	logger   *slog.Logger
	deadline time.Duration

	mu     sync.RWMutex
	grants map[string]Grant

	registry *Registry
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDeadline overrides the per-request approval deadline.
func WithDeadline(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.deadline = d
		}
	}
}

// WithMaxPending bounds the pending registry.
func WithMaxPending(n int) Option {
	return func(c *Coordinator) {
		c.registry = NewRegistry(n)
	}
}

// NewCoordinator creates a Coordinator. Call Hydrate before serving
// traffic so grants from the previous run are honored.
func NewCoordinator(store GrantStore, notifier Notifier, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		notifier: notifier,
		logger:   logger,
		deadline: DefaultDeadline,
		grants:   make(map[string]Grant),
		registry: NewRegistry(DefaultMaxPending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckRequest describes the request awaiting authorization. Action is
// the policy resolution already computed by the engine.
type CheckRequest struct {
	Service string
	Action  service.Action
	Method  string
	Path    string
	AgentIP string
}

// Result is the outcome of a Check.
type Result struct {
	Approved bool
	// AutoApproved is set when policy resolved the request without a
	// grant or prompt.
	AutoApproved bool
	// DecidedBy is the approver display name, or one of the sentinels
	// (timeout, telegram_error, unpaired, evicted) when no human decided.
	DecidedBy string
	// Grant points at the live grant that authorized the request, nil
	// for auto-approvals and denials.
	Grant *Grant
}

// Check decides whether the request may proceed. Auto-approve actions
// return immediately; a live grant for the service returns immediately;
// otherwise the call suspends on a fresh PendingApproval until the first
// of approver decision or deadline.
//
// The wait deliberately ignores ctx cancellation: a disconnected client
// must not retract a prompt the human may already be looking at. ctx is
// used for store and notifier calls only.
func (c *Coordinator) Check(ctx context.Context, req CheckRequest) Result {
	if req.Action == service.ActionAutoApprove {
		return Result{Approved: true, AutoApproved: true}
	}

	if g, ok := c.liveGrant(req.Service); ok {
		return Result{Approved: true, DecidedBy: g.ApprovedBy, Grant: &g}
	}

	pending := &PendingApproval{
		ID:        uuid.New().String(),
		Service:   req.Service,
		Method:    req.Method,
		Path:      req.Path,
		AgentIP:   req.AgentIP,
		CreatedAt: time.Now().UTC(),
		result:    make(chan Decision, 1),
	}
	c.registry.Add(pending)

	c.logger.Info("request blocked pending approval",
		"request_id", pending.ID,
		"service", req.Service,
		"method", req.Method,
		"path", req.Path,
	)

	if err := c.notifier.SendPrompt(ctx, pending); err != nil {
		approver := audit.ApproverTelegramError
		if errors.Is(err, ErrNoApprovers) {
			approver = audit.ApproverUnpaired
		}
		c.logger.Error("approval prompt not delivered",
			"request_id", pending.ID,
			"service", req.Service,
			"error", err,
		)
		c.registry.Resolve(pending.ID, Decision{Approved: false, Approver: approver})
	}

	timer := time.NewTimer(c.deadline)
	defer timer.Stop()

	var d Decision
	select {
	case d = <-pending.Wait():
	case <-timer.C:
		c.registry.Remove(pending.ID)
		d = Decision{Approved: false, Approver: audit.ApproverTimeout}
		c.logger.Info("approval deadline expired",
			"request_id", pending.ID,
			"service", req.Service,
			"deadline", c.deadline,
		)
	}

	if !d.Approved {
		return Result{Approved: false, DecidedBy: d.Approver}
	}

	grant, err := c.installGrant(ctx, req.Service, d)
	if err != nil {
		// The human approved this request; honor it once. Without a
		// persisted row the grant cannot be installed for reuse (the
		// durable set must stay a superset of the live map).
		c.logger.Error("grant not persisted; approving request without installing grant",
			"service", req.Service,
			"error", err,
		)
		return Result{Approved: true, DecidedBy: d.Approver}
	}
	return Result{Approved: true, DecidedBy: d.Approver, Grant: grant}
}

// Resolve routes an approver decision to its pending approval. It returns
// false when the id is unknown (already resolved or expired) so the
// caller can answer "expired".
func (c *Coordinator) Resolve(id string, d Decision) bool {
	return c.registry.Resolve(id, d)
}

// Pending returns the in-flight approvals in insertion order.
func (c *Coordinator) Pending() []*PendingApproval {
	return c.registry.List()
}

// liveGrant returns the live grant for svc. Stale entries discovered on
// the read path are deleted in place.
func (c *Coordinator) liveGrant(svc string) (Grant, bool) {
	now := time.Now().UTC()

	c.mu.RLock()
	g, ok := c.grants[svc]
	c.mu.RUnlock()
	if !ok {
		return Grant{}, false
	}
	if g.Live(now) {
		return g, true
	}

	c.mu.Lock()
	// Re-check: the grant may have been superseded while unlocked.
	if cur, ok := c.grants[svc]; ok && !cur.Live(now) {
		delete(c.grants, svc)
	}
	c.mu.Unlock()
	return Grant{}, false
}

// installGrant persists a grant and then installs it in the live map, in
// that order: a crash between the two leaves a persisted grant the next
// start will hydrate.
func (c *Coordinator) installGrant(ctx context.Context, svc string, d Decision) (*Grant, error) {
	now := time.Now().UTC()
	g := Grant{
		Service:    svc,
		ApprovedBy: d.Approver,
		GrantedAt:  now,
		ExpiresAt:  now.Add(d.TTL),
	}
	rec := &audit.ApprovalRecord{
		Timestamp:  g.GrantedAt,
		Service:    g.Service,
		ApprovedBy: g.ApprovedBy,
		TTLSeconds: int64(d.TTL / time.Second),
		ExpiresAt:  g.ExpiresAt,
	}
	if _, err := c.store.InsertApproval(ctx, rec); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.grants[svc] = g
	c.mu.Unlock()

	c.logger.Info("grant installed",
		"service", svc,
		"approved_by", d.Approver,
		"ttl", d.TTL,
		"expires_at", g.ExpiresAt,
	)
	return &g, nil
}

// Grants returns a copy of the live grant map, expired entries filtered.
func (c *Coordinator) Grants() map[string]Grant {
	now := time.Now().UTC()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Grant, len(c.grants))
	for svc, g := range c.grants {
		if g.Live(now) {
			out[svc] = g
		}
	}
	return out
}

// Revoke drops the live grant for svc. Persistence first: the store rows
// are flagged revoked before the map entry disappears, so a crash in
// between cannot resurrect the grant at next start. Returns false when no
// live grant existed.
func (c *Coordinator) Revoke(ctx context.Context, svc string) (bool, error) {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.grants[svc]
	if !ok || !g.Live(now) {
		delete(c.grants, svc)
		return false, nil
	}

	if _, err := c.store.RevokeApprovals(ctx, svc, now); err != nil {
		return false, err
	}
	delete(c.grants, svc)

	c.logger.Info("grant revoked", "service", svc, "approved_by", g.ApprovedBy)
	return true, nil
}

// RevokeAll revokes every live grant and returns how many were dropped.
func (c *Coordinator) RevokeAll(ctx context.Context) (int, error) {
	c.mu.RLock()
	services := make([]string, 0, len(c.grants))
	for svc := range c.grants {
		services = append(services, svc)
	}
	c.mu.RUnlock()

	count := 0
	for _, svc := range services {
		revoked, err := c.Revoke(ctx, svc)
		if err != nil {
			return count, err
		}
		if revoked {
			count++
		}
	}
	return count, nil
}

// Hydrate rebuilds the live grant map from the store: expired rows are
// garbage-collected, the remaining non-revoked rows load newest-first,
// and the first row seen per service wins (latest supersedes).
func (c *Coordinator) Hydrate(ctx context.Context) error {
	now := time.Now().UTC()

	deleted, err := c.store.DeleteExpiredApprovals(ctx, now)
	if err != nil {
		return err
	}

	rows, err := c.store.LiveApprovals(ctx, now)
	if err != nil {
		return err
	}

	grants := make(map[string]Grant, len(rows))
	for _, rec := range rows {
		if _, seen := grants[rec.Service]; seen {
			continue
		}
		grants[rec.Service] = Grant{
			Service:    rec.Service,
			ApprovedBy: rec.ApprovedBy,
			GrantedAt:  rec.Timestamp,
			ExpiresAt:  rec.ExpiresAt,
		}
	}

	c.mu.Lock()
	c.grants = grants
	c.mu.Unlock()

	c.logger.Info("approval state hydrated",
		"live_grants", len(grants),
		"expired_deleted", deleted,
	)
	return nil
}
