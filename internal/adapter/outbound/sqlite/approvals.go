package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/clawguard/clawguard/internal/domain/audit"
)

// InsertApproval persists a grant. Called before the grant is installed
// in the live map so a crash cannot lose an authorization the human gave.
func (s *Store) InsertApproval(ctx context.Context, rec *audit.ApprovalRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (timestamp, service, approved_by, ttl_seconds, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, 0)`,
		rec.Timestamp.Unix(),
		rec.Service,
		rec.ApprovedBy,
		rec.TTLSeconds,
		rec.ExpiresAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert approval: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert approval id: %w", err)
	}
	rec.ID = id
	return id, nil
}

// RevokeApprovals flags every live grant row for svc as revoked and
// returns how many rows changed.
func (s *Store) RevokeApprovals(ctx context.Context, svc string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET revoked = 1
		WHERE service = ? AND revoked = 0 AND expires_at > ?`,
		svc, now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("revoke approvals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke approvals count: %w", err)
	}
	return n, nil
}

// DeleteExpiredApprovals garbage-collects rows whose expiry has passed.
func (s *Store) DeleteExpiredApprovals(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM approvals WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired approvals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired approvals count: %w", err)
	}
	return n, nil
}

// LiveApprovals returns non-revoked unexpired rows, newest first, for
// startup hydration.
func (s *Store) LiveApprovals(ctx context.Context, now time.Time) ([]audit.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, service, approved_by, ttl_seconds, expires_at, revoked
		FROM approvals
		WHERE revoked = 0 AND expires_at > ?
		ORDER BY timestamp DESC, id DESC`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("list live approvals: %w", err)
	}
	defer rows.Close()

	var out []audit.ApprovalRecord
	for rows.Next() {
		var (
			rec     audit.ApprovalRecord
			ts      int64
			expires int64
			revoked int
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Service, &rec.ApprovedBy, &rec.TTLSeconds, &expires, &revoked); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		rec.Timestamp = time.Unix(ts, 0).UTC()
		rec.ExpiresAt = time.Unix(expires, 0).UTC()
		rec.Revoked = revoked != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}
