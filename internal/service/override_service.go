package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clawguard/clawguard/internal/domain/audit"
	"github.com/clawguard/clawguard/internal/domain/guard"
	"github.com/clawguard/clawguard/internal/domain/service"
)

// OverrideStore is the persistence surface the override service needs.
type OverrideStore interface {
	UpsertOverride(ctx context.Context, name, configJSON string) error
	DeleteOverride(ctx context.Context, name string) (bool, error)
	ListOverrides(ctx context.Context) ([]audit.ServiceOverride, error)
}

// OverrideService owns the live routing table. It merges the config-file
// services with admin-written overrides (overrides win by name), validates
// every definition against the security guard before installation, and
// publishes each change as an atomic table swap plus a policy reload.
type OverrideService struct {
	store       OverrideStore
	table       *service.Table
	policy      *PolicyService
	guardPolicy guard.Policy
	base        []service.Definition
	mu          sync.Mutex // serializes rebuilds
	logger      *slog.Logger
}

// NewOverrideService creates the override service. base holds the services
// from the config file; they stay fixed for the process lifetime.
func NewOverrideService(store OverrideStore, table *service.Table, policy *PolicyService, guardPolicy guard.Policy, base []service.Definition, logger *slog.Logger) *OverrideService {
	return &OverrideService{
		store:       store,
		table:       table,
		policy:      policy,
		guardPolicy: guardPolicy,
		base:        base,
		logger:      logger.With("component", "overrides"),
	}
}

// Validate checks a definition the way config load does: routable name,
// parseable upstream that passes the guard, known credential kind, known
// actions, and compilable rule conditions.
func (s *OverrideService) Validate(def *service.Definition) error {
	if !service.ValidName(def.Name) {
		return fmt.Errorf("invalid service name %q", def.Name)
	}
	base, err := def.ParseBase()
	if err != nil {
		return err
	}
	if err := guard.CheckBase(base, s.guardPolicy); err != nil {
		return fmt.Errorf("upstream rejected: %w", err)
	}
	switch def.Credential.Kind {
	case service.CredentialNone, service.CredentialBearer:
	case service.CredentialHeader, service.CredentialQuery:
		if def.Credential.Name == "" {
			return fmt.Errorf("credential of kind %q needs a name", def.Credential.Kind)
		}
	default:
		return fmt.Errorf("unknown credential kind %q", def.Credential.Kind)
	}
	if def.Policy.Default != "" && !def.Policy.Default.Valid() {
		return fmt.Errorf("unknown default action %q", def.Policy.Default)
	}
	if err := s.policy.ValidateRules(def.Policy.Rules); err != nil {
		return err
	}
	return nil
}

// Load builds the initial table from config services plus stored overrides.
// Invalid stored overrides are skipped with a warning so one bad row cannot
// keep the gateway down.
func (s *OverrideService) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildLocked(ctx)
}

// Upsert validates an override, persists it, and swaps the live table.
func (s *OverrideService) Upsert(ctx context.Context, def service.Definition) error {
	def.Normalize()
	if err := s.Validate(&def); err != nil {
		return err
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.UpsertOverride(ctx, def.Name, string(raw)); err != nil {
		return fmt.Errorf("persist override: %w", err)
	}
	if err := s.rebuildLocked(ctx); err != nil {
		return err
	}

	s.logger.Info("override installed", "service", def.Name)
	return nil
}

// Delete removes an override and swaps the live table. Returns false when
// no override existed under that name.
func (s *OverrideService) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := s.store.DeleteOverride(ctx, name)
	if err != nil {
		return false, fmt.Errorf("delete override: %w", err)
	}
	if !found {
		return false, nil
	}
	if err := s.rebuildLocked(ctx); err != nil {
		return true, err
	}

	s.logger.Info("override removed", "service", name)
	return true, nil
}

// List returns the stored override rows.
func (s *OverrideService) List(ctx context.Context) ([]audit.ServiceOverride, error) {
	return s.store.ListOverrides(ctx)
}

// rebuildLocked merges overrides over the config services and publishes
// the result. The table keeps the first definition per name, so overrides
// go in front.
func (s *OverrideService) rebuildLocked(ctx context.Context) error {
	rows, err := s.store.ListOverrides(ctx)
	if err != nil {
		return fmt.Errorf("list overrides: %w", err)
	}

	merged := make([]service.Definition, 0, len(rows)+len(s.base))
	for _, row := range rows {
		var def service.Definition
		if err := json.Unmarshal([]byte(row.ConfigJSON), &def); err != nil {
			s.logger.Warn("skipping malformed override", "service", row.ServiceName, "error", err)
			continue
		}
		def.Normalize()
		if def.Name != row.ServiceName {
			s.logger.Warn("skipping override with mismatched name",
				"service", row.ServiceName, "payload_name", def.Name)
			continue
		}
		if err := s.Validate(&def); err != nil {
			s.logger.Warn("skipping invalid override", "service", row.ServiceName, "error", err)
			continue
		}
		merged = append(merged, def)
	}
	merged = append(merged, s.base...)

	s.table.Replace(merged)
	if err := s.policy.Load(s.table.Snapshot().Definitions()); err != nil {
		return fmt.Errorf("reload policies: %w", err)
	}
	return nil
}
