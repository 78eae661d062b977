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

// ExecutionStore handles database operations for executions.
type ExecutionStore struct {
	db *sql.DB
}

// Create inserts a new PENDING execution row.
func (e *ExecutionStore) Create(ctx context.Context, ex *model.Execution) error {
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	now := time.Now()
	ex.CreatedAt = now
	ex.UpdatedAt = now

	artifactsJSON, _ := json.Marshal(nonNilArtifacts(ex.Artifacts))

	_, err := e.db.ExecContext(ctx, `
		INSERT INTO executions (id, session_id, status, code, language, timeout_seconds, event,
			exit_code, error_message, stdout, stderr, artifacts, duration_ms, cpu_time_ms, peak_memory_mb,
			return_value, retry_count, attempt, created_at, updated_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, ex.ID, ex.SessionID, ex.Status, ex.Code, ex.Language, ex.Timeout, nullRaw(ex.Event),
		ex.ExitCode, ex.ErrorMessage, ex.Stdout, ex.Stderr, artifactsJSON, ex.Metrics.DurationMS,
		ex.Metrics.CPUTimeMS, ex.Metrics.PeakMemoryMB, nullRaw(ex.ReturnValue), ex.RetryCount, ex.Attempt,
		ex.CreatedAt, ex.UpdatedAt, ex.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: create execution %s: %w", ex.ID, err)
	}
	return nil
}

const executionSelect = `
	SELECT id, session_id, status, code, language, timeout_seconds, event, exit_code, error_message,
		stdout, stderr, artifacts, duration_ms, cpu_time_ms, peak_memory_mb, return_value, retry_count,
		attempt, created_at, updated_at, completed_at
	FROM executions`

// Get retrieves an execution by id.
func (e *ExecutionStore) Get(ctx context.Context, id string) (*model.Execution, error) {
	return scanExecution(e.db.QueryRowContext(ctx, executionSelect+` WHERE id = $1`, id))
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	ex := &model.Execution{}
	var eventJSON, artifactsJSON, returnValueJSON []byte
	err := row.Scan(&ex.ID, &ex.SessionID, &ex.Status, &ex.Code, &ex.Language, &ex.Timeout, &eventJSON,
		&ex.ExitCode, &ex.ErrorMessage, &ex.Stdout, &ex.Stderr, &artifactsJSON, &ex.Metrics.DurationMS,
		&ex.Metrics.CPUTimeMS, &ex.Metrics.PeakMemoryMB, &returnValueJSON, &ex.RetryCount, &ex.Attempt,
		&ex.CreatedAt, &ex.UpdatedAt, &ex.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan execution: %w", err)
	}
	if len(eventJSON) > 0 {
		ex.Event = eventJSON
	}
	if len(artifactsJSON) > 0 {
		json.Unmarshal(artifactsJSON, &ex.Artifacts)
	}
	if len(returnValueJSON) > 0 {
		ex.ReturnValue = returnValueJSON
	}
	return ex, nil
}

// ListBySession returns every execution belonging to a session, newest first.
func (e *ExecutionStore) ListBySession(ctx context.Context, sessionID string) ([]*model.Execution, error) {
	rows, err := e.db.QueryContext(ctx, executionSelect+` WHERE session_id = $1 ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list executions for session %s: %w", sessionID, err)
	}
	defer rows.Close()
	var out []*model.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// RunningInSession counts in-flight executions for a session (used to
// enforce the ephemeral-mode at-most-one-in-flight invariant, spec §3/§8).
func (e *ExecutionStore) RunningInSession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := e.db.QueryRowContext(ctx, `
		SELECT count(*) FROM executions WHERE session_id = $1 AND status = 'RUNNING'
	`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count running executions for session %s: %w", sessionID, err)
	}
	return n, nil
}

// TransitionToRunning moves a PENDING execution to RUNNING.
func (e *ExecutionStore) TransitionToRunning(ctx context.Context, id string) error {
	res, err := e.db.ExecContext(ctx, `
		UPDATE executions SET status = 'RUNNING', updated_at = now() WHERE id = $1 AND status = 'PENDING'
	`, id)
	if err != nil {
		return fmt.Errorf("store: transition execution %s to running: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSetTerminal applies a terminal result only if the execution is
// still RUNNING, implementing the callback idempotency / CAS contract of
// spec §4.4 and §5: "the first callback with a terminal status wins".
// Returns applied=false (no error) when a terminal status already won.
func (e *ExecutionStore) CompareAndSetTerminal(ctx context.Context, ex *model.Execution) (applied bool, err error) {
	now := time.Now()
	ex.UpdatedAt = now
	ex.CompletedAt = &now

	artifactsJSON, _ := json.Marshal(nonNilArtifacts(ex.Artifacts))

	res, err := e.db.ExecContext(ctx, `
		UPDATE executions SET
			status=$2, exit_code=$3, error_message=$4, stdout=$5, stderr=$6, artifacts=$7,
			duration_ms=$8, cpu_time_ms=$9, peak_memory_mb=$10, return_value=$11, attempt=$12,
			updated_at=$13, completed_at=$14
		WHERE id = $1 AND status = 'RUNNING'
	`, ex.ID, ex.Status, ex.ExitCode, ex.ErrorMessage, ex.Stdout, ex.Stderr, artifactsJSON,
		ex.Metrics.DurationMS, ex.Metrics.CPUTimeMS, ex.Metrics.PeakMemoryMB, nullRaw(ex.ReturnValue),
		ex.Attempt, ex.UpdatedAt, ex.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("store: CAS execution %s: %w", ex.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RunningOlderThan returns RUNNING executions created before cutoff, for the
// reaper's heartbeat-reap rule, which re-checks each one's own 2x-timeout
// deadline.
func (e *ExecutionStore) RunningOlderThan(ctx context.Context, cutoff time.Time) ([]*model.Execution, error) {
	rows, err := e.db.QueryContext(ctx, executionSelect+`
		WHERE status = 'RUNNING' AND created_at < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: query stale running executions: %w", err)
	}
	defer rows.Close()
	var out []*model.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func nonNilArtifacts(a []model.ArtifactMetadata) []model.ArtifactMetadata {
	if a == nil {
		return []model.ArtifactMetadata{}
	}
	return a
}

func nullRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
