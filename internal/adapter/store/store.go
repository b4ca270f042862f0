// Package store persists agents, tasks, messages, metrics and sync jobs in
// the primary database. It works against any domain.Dialect.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"forkmesh/internal/domain"
)

// Store implements every persistence interface the orchestrator, worker and
// synchronizer need.
type Store struct {
	db      *sql.DB
	dialect domain.Dialect
}

var (
	_ domain.AgentStore   = (*Store)(nil)
	_ domain.TaskStore    = (*Store)(nil)
	_ domain.MessageStore = (*Store)(nil)
	_ domain.MetricsStore = (*Store)(nil)
	_ domain.SyncJobStore = (*Store)(nil)
)

// New wraps the primary endpoint and runs the schema migration.
func New(ctx context.Context, ep domain.Endpoint) (*Store, error) {
	s := &Store{db: ep.DB(), dialect: ep.Dialect()}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		type          TEXT NOT NULL,
		fork_id       TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		config        TEXT NOT NULL DEFAULT '{}',
		metrics       TEXT NOT NULL DEFAULT '{}',
		last_error    TEXT NOT NULL DEFAULT '',
		last_activity TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		agent_id     TEXT NOT NULL,
		type         TEXT NOT NULL,
		payload      TEXT,
		status       TEXT NOT NULL,
		priority     INTEGER NOT NULL DEFAULT 0,
		result       TEXT,
		error        TEXT NOT NULL DEFAULT '',
		attempts     INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 1,
		run_after    TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks (status, priority DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks (agent_id)`,
	`CREATE TABLE IF NOT EXISTS agent_messages (
		id         TEXT PRIMARY KEY,
		from_agent TEXT NOT NULL,
		to_agent   TEXT NOT NULL,
		type       TEXT NOT NULL,
		payload    TEXT,
		read       INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_messages_to ON agent_messages (to_agent, read)`,
	`CREATE TABLE IF NOT EXISTS metrics_history (
		id          TEXT PRIMARY KEY,
		agent_id    TEXT NOT NULL,
		metric      TEXT NOT NULL,
		value       DOUBLE PRECISION NOT NULL,
		metadata    TEXT,
		recorded_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_history_agent ON metrics_history (agent_id, metric, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS sync_jobs (
		id             TEXT PRIMARY KEY,
		config         TEXT NOT NULL,
		status         TEXT NOT NULL,
		progress       INTEGER NOT NULL DEFAULT 0,
		records_synced INTEGER NOT NULL DEFAULT 0,
		errors         TEXT NOT NULL DEFAULT '[]',
		conflicts      TEXT NOT NULL DEFAULT '[]',
		created_at     TEXT NOT NULL,
		started_at     TEXT,
		completed_at   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS learned_patterns (
		id         TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		pattern    TEXT NOT NULL,
		category   TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS optimization_history (
		id         TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		query_hash TEXT NOT NULL,
		strategy   TEXT NOT NULL,
		before_ms  DOUBLE PRECISION NOT NULL,
		after_ms   DOUBLE PRECISION NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// q rebinds placeholders for the primary's dialect.
func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string { return domain.FormatTime(t) }

func parseTime(s string) time.Time { return domain.ParseTime(s) }

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullJSON(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// isUniqueViolation matches both the SQLite and the Postgres wording.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
