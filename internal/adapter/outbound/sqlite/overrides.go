package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clawguard/clawguard/internal/domain/audit"
)

// UpsertOverride writes an admin service override, preserving created_at
// across updates.
func (s *Store) UpsertOverride(ctx context.Context, name, configJSON string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_overrides (service_name, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service_name) DO UPDATE SET config_json = excluded.config_json, updated_at = excluded.updated_at`,
		name, configJSON, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert override %q: %w", name, err)
	}
	return nil
}

// GetOverride returns the override for name, or nil when none exists.
func (s *Store) GetOverride(ctx context.Context, name string) (*audit.ServiceOverride, error) {
	var (
		o       audit.ServiceOverride
		created int64
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT service_name, config_json, created_at, updated_at
		FROM service_overrides WHERE service_name = ?`, name,
	).Scan(&o.ServiceName, &o.ConfigJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get override %q: %w", name, err)
	}
	o.CreatedAt = time.Unix(created, 0).UTC()
	o.UpdatedAt = time.Unix(updated, 0).UTC()
	return &o, nil
}

// DeleteOverride removes an override. Reports whether a row existed.
func (s *Store) DeleteOverride(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_overrides WHERE service_name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete override %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete override count: %w", err)
	}
	return n > 0, nil
}

// ListOverrides returns every override ordered by service name.
func (s *Store) ListOverrides(ctx context.Context) ([]audit.ServiceOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_name, config_json, created_at, updated_at
		FROM service_overrides ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	var out []audit.ServiceOverride
	for rows.Next() {
		var (
			o       audit.ServiceOverride
			created int64
			updated int64
		)
		if err := rows.Scan(&o.ServiceName, &o.ConfigJSON, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.CreatedAt = time.Unix(created, 0).UTC()
		o.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}
