// Package outbound defines the outbound port interfaces the core depends
// on. Adapters under internal/adapter/outbound implement them.
package outbound

import (
	"context"
	"time"

	"github.com/clawguard/clawguard/internal/domain/audit"
)

// Store is the persistence port covering every table the gateway writes:
// request outcomes, approval grants, paired approvers, and service
// overrides. The SQLite adapter implements it. Consumers declare narrower
// interfaces where a fake is wanted in tests; this union exists for
// wiring.
type Store interface {
	// Requests (append-only outcome log).
	InsertRequest(ctx context.Context, rec *audit.RequestRecord) (int64, error)
	RecentRequests(ctx context.Context, limit int) ([]audit.RequestRecord, error)
	Stats(ctx context.Context, since time.Time) (*audit.UsageStats, error)

	// Approval grants.
	InsertApproval(ctx context.Context, rec *audit.ApprovalRecord) (int64, error)
	RevokeApprovals(ctx context.Context, svc string, now time.Time) (int64, error)
	DeleteExpiredApprovals(ctx context.Context, now time.Time) (int64, error)
	LiveApprovals(ctx context.Context, now time.Time) ([]audit.ApprovalRecord, error)

	// Paired approvers.
	UpsertApprover(ctx context.Context, a *audit.PairedApprover) error
	DeleteApprover(ctx context.Context, chatID int64) (bool, error)
	GetApprover(ctx context.Context, chatID int64) (*audit.PairedApprover, error)
	ListApprovers(ctx context.Context) ([]audit.PairedApprover, error)

	// Service overrides.
	UpsertOverride(ctx context.Context, name, configJSON string) error
	GetOverride(ctx context.Context, name string) (*audit.ServiceOverride, error)
	DeleteOverride(ctx context.Context, name string) (bool, error)
	ListOverrides(ctx context.Context) ([]audit.ServiceOverride, error)

	Close() error
}
