package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clawguard/clawguard/internal/domain/audit"
)

// InsertRequest appends one terminal request outcome. The record's ID is
// populated on return.
func (s *Store) InsertRequest(ctx context.Context, rec *audit.RequestRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (timestamp, service, method, path, approved, response_status, agent_ip, request_body, response_body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.Unix(),
		rec.Service,
		rec.Method,
		rec.Path,
		boolToInt(rec.Approved),
		nullableInt(rec.ResponseStatus),
		rec.AgentIP,
		nullableString(rec.RequestBody),
		nullableString(rec.ResponseBody),
	)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert request id: %w", err)
	}
	rec.ID = id
	return id, nil
}

// RecentRequests returns the newest records first, at most limit rows.
func (s *Store) RecentRequests(ctx context.Context, limit int) ([]audit.RequestRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, service, method, path, approved, response_status, agent_ip, request_body, response_body
		FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []audit.RequestRecord
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRequest(rows *sql.Rows) (audit.RequestRecord, error) {
	var (
		rec      audit.RequestRecord
		ts       int64
		approved int
		status   sql.NullInt64
		reqBody  sql.NullString
		respBody sql.NullString
	)
	if err := rows.Scan(&rec.ID, &ts, &rec.Service, &rec.Method, &rec.Path, &approved, &status, &rec.AgentIP, &reqBody, &respBody); err != nil {
		return rec, fmt.Errorf("scan request: %w", err)
	}
	rec.Timestamp = time.Unix(ts, 0).UTC()
	rec.Approved = approved != 0
	if status.Valid {
		v := int(status.Int64)
		rec.ResponseStatus = &v
	}
	if reqBody.Valid {
		v := reqBody.String
		rec.RequestBody = &v
	}
	if respBody.Valid {
		v := respBody.String
		rec.ResponseBody = &v
	}
	return rec, nil
}

// Stats runs the dashboard aggregations over requests since the cutoff.
func (s *Store) Stats(ctx context.Context, since time.Time) (*audit.UsageStats, error) {
	stats := &audit.UsageStats{
		Since:     since.UTC(),
		ByService: make(map[string]int64),
		ByMethod:  make(map[string]int64),
		ByHour:    make(map[int]int64),
	}
	cutoff := since.Unix()

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN approved = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN approved = 0 THEN 1 ELSE 0 END), 0)
		FROM requests WHERE timestamp >= ?`, cutoff)
	if err := row.Scan(&stats.Total, &stats.Approved, &stats.Denied); err != nil {
		return nil, fmt.Errorf("stats totals: %w", err)
	}

	if err := s.groupCount(ctx, `SELECT service, COUNT(*) FROM requests WHERE timestamp >= ? GROUP BY service`, cutoff, stats.ByService); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, `SELECT method, COUNT(*) FROM requests WHERE timestamp >= ? GROUP BY method`, cutoff, stats.ByMethod); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT CAST(strftime('%H', timestamp, 'unixepoch') AS INTEGER) AS hour, COUNT(*)
		FROM requests WHERE timestamp >= ? GROUP BY hour`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stats by hour: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hour int
		var n int64
		if err := rows.Scan(&hour, &n); err != nil {
			return nil, fmt.Errorf("scan hour bucket: %w", err)
		}
		stats.ByHour[hour] = n
	}
	return stats, rows.Err()
}

func (s *Store) groupCount(ctx context.Context, query string, cutoff int64, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return fmt.Errorf("stats group: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan stats group: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
