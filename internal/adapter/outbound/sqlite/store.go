// Package sqlite implements the audit store on modernc.org/sqlite: an
// append-only request log, the durable approval grants, paired approvers,
// and admin service overrides. Writes go through a single connection;
// the journal runs in WAL mode as the workload is single-writer with
// concurrent point readers.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawguard/clawguard/internal/port/outbound"
)

// Store wraps the SQLite database handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time check that Store satisfies the persistence port.
var _ outbound.Store = (*Store)(nil)

// migration is one additive schema step. Versions apply in order exactly
// once; steps after v1 may only create tables/indexes or add nullable
// columns so history never needs rewriting.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS requests (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp INTEGER NOT NULL,
				service TEXT NOT NULL,
				method TEXT NOT NULL,
				path TEXT NOT NULL,
				approved INTEGER NOT NULL,
				response_status INTEGER,
				agent_ip TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_requests_service ON requests(service)`,
			`CREATE TABLE IF NOT EXISTS approvals (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp INTEGER NOT NULL,
				service TEXT NOT NULL,
				approved_by TEXT NOT NULL,
				ttl_seconds INTEGER NOT NULL,
				expires_at INTEGER NOT NULL,
				revoked INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_approvals_service_expires ON approvals(service, expires_at)`,
			`CREATE TABLE IF NOT EXISTS paired_approvers (
				chat_id INTEGER PRIMARY KEY,
				name TEXT NOT NULL,
				paired_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS service_overrides (
				service_name TEXT PRIMARY KEY,
				config_json TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 2,
		name:    "payload capture columns",
		stmts: []string{
			`ALTER TABLE requests ADD COLUMN request_body TEXT`,
			`ALTER TABLE requests ADD COLUMN response_body TEXT`,
		},
	},
}

// Open opens (creating if needed) the audit database at path and brings
// the schema up to date.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// Single connection: SQLite is single-writer and serializing here
	// avoids SQLITE_BUSY churn entirely at this workload.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && m.version <= int(current.Int64) {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.logger.Info("audit schema migrated", "version", m.version, "name", m.name)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("migration %d: record: %w", m.version, err)
	}
	return tx.Commit()
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
