package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sandboxctl/control-plane/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStoreCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &SessionStore{db: db}
	sess := &model.Session{
		TemplateID:     "python-basic",
		Mode:           model.ModeEphemeral,
		Status:         model.SessionPending,
		TimeoutSeconds: 30,
	}

	mock.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.Create(context.Background(), sess)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStoreGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &SessionStore{db: db}
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStoreGetSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &SessionStore{db: db}
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "template_id", "mode", "status", "cpu", "memory_bytes", "disk_bytes",
		"max_processes", "workspace_path", "runtime_kind", "node_id", "container_id", "pod_name", "env",
		"labels", "timeout_seconds", "created_at", "updated_at", "completed_at", "last_activity_at"}).
		AddRow("s1", "python-basic", "ephemeral", "RUNNING", 1.0, int64(536870912), int64(1073741824),
			0, "/workspace/s1", "python3.11", "node-1", "c1", "", []byte("{}"), []byte("{}"), 30,
			now, now, nil, now)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").WithArgs("s1").WillReturnRows(rows)

	sess, err := s.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, sess.Status)
	assert.Equal(t, "node-1", sess.NodeID)
}

func TestWithSessionLockLocksAndCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM sessions WHERE id = (.+) FOR UPDATE").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1"))
	mock.ExpectCommit()

	called := false
	err = store.WithSessionLock(context.Background(), "s1", func(tx *sql.Tx) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}
