// Package store provides the durable key/value and query substrate for
// sessions, executions and templates, over PostgreSQL via lib/pq, the way
// api/internal/db does for StreamSpace.
//
// The store is the only shared mutable state in the control plane (spec §5):
// every session status transition runs inside a row-level lock obtained with
// `SELECT ... FOR UPDATE`, serializing the scheduler, dispatch engine and
// reaper when they race on the same session.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps the connection pool and exposes the sub-stores for each entity.
type Store struct {
	db *sql.DB

	Templates  *TemplateStore
	Sessions   *SessionStore
	Executions *ExecutionStore
}

// Open establishes the pooled connection and runs migrations.
func Open(databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("store: DATABASE_URL must not be empty")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: failed to ping database: %w", err)
	}

	s := newStore(db)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenForTesting wraps an already-open *sql.DB (e.g. a go-sqlmock fake)
// without pinging or migrating it. Tests drive their own expectations.
func OpenForTesting(db *sql.DB) *Store {
	return newStore(db)
}

func newStore(db *sql.DB) *Store {
	return &Store{
		db:         db,
		Templates:  &TemplateStore{db: db},
		Sessions:   &SessionStore{db: db},
		Executions: &ExecutionStore{db: db},
	}
}

// DB returns the underlying connection pool for ad-hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema if it does not already exist.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS templates (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			image VARCHAR(512) NOT NULL,
			runtime_kind VARCHAR(64) NOT NULL,
			default_cpu DOUBLE PRECISION NOT NULL DEFAULT 1,
			default_memory_bytes BIGINT NOT NULL DEFAULT 536870912,
			default_disk_bytes BIGINT NOT NULL DEFAULT 1073741824,
			default_timeout INTEGER NOT NULL DEFAULT 300,
			default_env JSONB NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			template_id VARCHAR(255) NOT NULL REFERENCES templates(id),
			mode VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			cpu DOUBLE PRECISION NOT NULL,
			memory_bytes BIGINT NOT NULL,
			disk_bytes BIGINT NOT NULL,
			max_processes INTEGER NOT NULL DEFAULT 0,
			workspace_path VARCHAR(1024) NOT NULL DEFAULT '',
			runtime_kind VARCHAR(64) NOT NULL,
			node_id VARCHAR(255) NOT NULL DEFAULT '',
			container_id VARCHAR(255) NOT NULL DEFAULT '',
			pod_name VARCHAR(255) NOT NULL DEFAULT '',
			env JSONB NOT NULL DEFAULT '{}',
			labels JSONB NOT NULL DEFAULT '{}',
			timeout_seconds INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_template ON sessions(template_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity_at)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions(id),
			status VARCHAR(32) NOT NULL,
			code TEXT NOT NULL,
			language VARCHAR(32) NOT NULL,
			timeout_seconds INTEGER NOT NULL,
			event JSONB,
			exit_code INTEGER,
			error_message TEXT NOT NULL DEFAULT '',
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			artifacts JSONB NOT NULL DEFAULT '[]',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			cpu_time_ms BIGINT,
			peak_memory_mb BIGINT,
			return_value JSONB,
			retry_count INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("store: migration failed: %w", err)
		}
	}
	return nil
}

// WithSessionLock runs fn with the session row locked FOR UPDATE for the
// duration of the transaction, serializing concurrent scheduler/dispatch/
// reaper mutations against the same session id (spec §5).
func (s *Store) WithSessionLock(ctx context.Context, sessionID string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists string
	err = tx.QueryRowContext(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("store: lock session %s: %w", sessionID, err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
