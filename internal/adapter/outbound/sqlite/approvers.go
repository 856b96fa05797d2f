package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clawguard/clawguard/internal/domain/audit"
)

// UpsertApprover records a successful pairing handshake. Re-pairing the
// same chat refreshes the display name but keeps the original pairing
// time.
func (s *Store) UpsertApprover(ctx context.Context, a *audit.PairedApprover) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paired_approvers (chat_id, name, paired_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET name = excluded.name`,
		a.ChatID, a.Name, a.PairedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert approver: %w", err)
	}
	return nil
}

// DeleteApprover removes a pairing. Reports whether a row existed.
func (s *Store) DeleteApprover(ctx context.Context, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM paired_approvers WHERE chat_id = ?`, chatID)
	if err != nil {
		return false, fmt.Errorf("delete approver: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete approver count: %w", err)
	}
	return n > 0, nil
}

// GetApprover returns the pairing for chatID, or nil when not paired.
func (s *Store) GetApprover(ctx context.Context, chatID int64) (*audit.PairedApprover, error) {
	var (
		a  audit.PairedApprover
		ts int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, name, paired_at FROM paired_approvers WHERE chat_id = ?`, chatID,
	).Scan(&a.ChatID, &a.Name, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approver: %w", err)
	}
	a.PairedAt = time.Unix(ts, 0).UTC()
	return &a, nil
}

// ListApprovers returns every paired approver, oldest pairing first.
func (s *Store) ListApprovers(ctx context.Context) ([]audit.PairedApprover, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, name, paired_at FROM paired_approvers ORDER BY paired_at, chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list approvers: %w", err)
	}
	defer rows.Close()

	var out []audit.PairedApprover
	for rows.Next() {
		var (
			a  audit.PairedApprover
			ts int64
		)
		if err := rows.Scan(&a.ChatID, &a.Name, &ts); err != nil {
			return nil, fmt.Errorf("scan approver: %w", err)
		}
		a.PairedAt = time.Unix(ts, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
