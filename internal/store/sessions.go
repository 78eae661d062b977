package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sandboxctl/control-plane/internal/model"
)

// SessionStore handles database operations for sessions.
type SessionStore struct {
	db *sql.DB
}

// Create inserts a new session, assigning an id if none is set.
func (s *SessionStore) Create(ctx context.Context, sess *model.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = now
	}

	envJSON, err := json.Marshal(orEmptyMap(sess.Env))
	if err != nil {
		return fmt.Errorf("store: marshal session env: %w", err)
	}
	labelsJSON, err := json.Marshal(orEmptyMap(sess.Labels))
	if err != nil {
		return fmt.Errorf("store: marshal session labels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, template_id, mode, status, cpu, memory_bytes, disk_bytes, max_processes,
			workspace_path, runtime_kind, node_id, container_id, pod_name, env, labels, timeout_seconds,
			created_at, updated_at, completed_at, last_activity_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, sess.ID, sess.TemplateID, sess.Mode, sess.Status, sess.ResourceLimit.CPUCores, sess.ResourceLimit.MemoryBytes,
		sess.ResourceLimit.DiskBytes, sess.ResourceLimit.MaxProcesses, sess.WorkspacePath, sess.RuntimeKind,
		sess.NodeID, sess.ContainerID, sess.PodName, envJSON, labelsJSON, sess.TimeoutSeconds,
		sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt, sess.LastActivityAt)
	if err != nil {
		return fmt.Errorf("store: create session %s: %w", sess.ID, err)
	}
	return nil
}

// Get retrieves a session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*model.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = $1`, id))
}

// GetTx retrieves a session within an in-flight transaction, used by callers
// holding the FOR UPDATE lock from Store.WithSessionLock.
func GetTx(ctx context.Context, tx *sql.Tx, id string) (*model.Session, error) {
	return scanSession(tx.QueryRowContext(ctx, sessionSelect+` WHERE id = $1`, id))
}

const sessionSelect = `
	SELECT id, template_id, mode, status, cpu, memory_bytes, disk_bytes, max_processes,
		workspace_path, runtime_kind, node_id, container_id, pod_name, env, labels, timeout_seconds,
		created_at, updated_at, completed_at, last_activity_at
	FROM sessions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	sess := &model.Session{}
	var envJSON, labelsJSON []byte
	err := row.Scan(&sess.ID, &sess.TemplateID, &sess.Mode, &sess.Status, &sess.ResourceLimit.CPUCores,
		&sess.ResourceLimit.MemoryBytes, &sess.ResourceLimit.DiskBytes, &sess.ResourceLimit.MaxProcesses,
		&sess.WorkspacePath, &sess.RuntimeKind, &sess.NodeID, &sess.ContainerID, &sess.PodName,
		&envJSON, &labelsJSON, &sess.TimeoutSeconds, &sess.CreatedAt, &sess.UpdatedAt, &sess.CompletedAt,
		&sess.LastActivityAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	if len(envJSON) > 0 {
		json.Unmarshal(envJSON, &sess.Env)
	}
	if len(labelsJSON) > 0 {
		json.Unmarshal(labelsJSON, &sess.Labels)
	}
	return sess, nil
}

// GetByContainerID retrieves the session owning a container, used by the
// internal container-exited callback which only identifies its container,
// not the session that scheduled it.
func (s *SessionStore) GetByContainerID(ctx context.Context, containerID string) (*model.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE container_id = $1`, containerID))
}

// SessionFilter narrows List results.
type SessionFilter struct {
	Status     model.SessionStatus
	TemplateID string
	Limit      int
	Offset     int
}

// List returns sessions matching the filter, newest first.
func (s *SessionStore) List(ctx context.Context, f SessionFilter) ([]*model.Session, error) {
	query := sessionSelect + ` WHERE 1=1`
	var args []interface{}
	i := 1
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", i)
		args = append(args, f.Status)
		i++
	}
	if f.TemplateID != "" {
		query += fmt.Sprintf(" AND template_id = $%d", i)
		args = append(args, f.TemplateID)
		i++
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", i, i+1)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateTx persists the full row inside a transaction, updated_at bumped to
// now. Callers are expected to hold the session's row lock already.
func UpdateTx(ctx context.Context, tx *sql.Tx, sess *model.Session) error {
	sess.UpdatedAt = time.Now()
	envJSON, err := json.Marshal(orEmptyMap(sess.Env))
	if err != nil {
		return fmt.Errorf("store: marshal session env: %w", err)
	}
	labelsJSON, err := json.Marshal(orEmptyMap(sess.Labels))
	if err != nil {
		return fmt.Errorf("store: marshal session labels: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET status=$2, node_id=$3, container_id=$4, pod_name=$5, workspace_path=$6,
			env=$7, labels=$8, updated_at=$9, completed_at=$10, last_activity_at=$11
		WHERE id = $1
	`, sess.ID, sess.Status, sess.NodeID, sess.ContainerID, sess.PodName, sess.WorkspacePath,
		envJSON, labelsJSON, sess.UpdatedAt, sess.CompletedAt, sess.LastActivityAt)
	if err != nil {
		return fmt.Errorf("store: update session %s: %w", sess.ID, err)
	}
	return nil
}

// TouchActivity bumps last_activity_at to now for a session, without
// requiring the full row lock (used by the dispatch engine on every
// execute, per spec §4.4 step 3).
func (s *SessionStore) TouchActivity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: touch activity for session %s: %w", id, err)
	}
	return nil
}

// IdleSessions returns non-terminal sessions whose last_activity_at is older
// than the cutoff.
func (s *SessionStore) IdleSessions(ctx context.Context, cutoff time.Time) ([]*model.Session, error) {
	return s.queryNonTerminal(ctx, sessionSelect+`
		WHERE status NOT IN ('COMPLETED','TERMINATED','FAILED','TIMEOUT') AND last_activity_at < $1`, cutoff)
}

// ExpiredLifetimeSessions returns non-terminal sessions older than the cutoff.
func (s *SessionStore) ExpiredLifetimeSessions(ctx context.Context, cutoff time.Time) ([]*model.Session, error) {
	return s.queryNonTerminal(ctx, sessionSelect+`
		WHERE status NOT IN ('COMPLETED','TERMINATED','FAILED','TIMEOUT') AND created_at < $1`, cutoff)
}

// NonTerminalSessions returns every session not yet in a terminal status,
// used by the startup state-sync join.
func (s *SessionStore) NonTerminalSessions(ctx context.Context) ([]*model.Session, error) {
	return s.queryNonTerminal(ctx, sessionSelect+`
		WHERE status NOT IN ('COMPLETED','TERMINATED','FAILED','TIMEOUT')`)
}

func (s *SessionStore) queryNonTerminal(ctx context.Context, query string, args ...interface{}) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
