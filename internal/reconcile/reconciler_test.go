package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxctl/control-plane/internal/backend"
	"github.com/sandboxctl/control-plane/internal/store"
)

type fakePort struct {
	containers []string
	inspection backend.Inspection
	inspectErr error
	deleted    []string
}

func (f *fakePort) ListNodes(ctx context.Context) ([]backend.Node, error) { return nil, nil }
func (f *fakePort) CreateContainer(ctx context.Context, spec backend.ContainerSpec) (string, error) {
	return "", nil
}
func (f *fakePort) Inspect(ctx context.Context, containerID string) (backend.Inspection, error) {
	return f.inspection, f.inspectErr
}
func (f *fakePort) Stop(ctx context.Context, containerID string, graceSeconds int) error { return nil }
func (f *fakePort) Delete(ctx context.Context, containerID string, force bool) error {
	f.deleted = append(f.deleted, containerID)
	return nil
}
func (f *fakePort) ListSandboxContainers(ctx context.Context) ([]string, error) {
	return f.containers, nil
}
func (f *fakePort) FetchLogs(ctx context.Context, containerID string, tailLines int) (string, error) {
	return "", nil
}
func (f *fakePort) UploadInto(ctx context.Context, containerID, path string, content []byte) error {
	return nil
}
func (f *fakePort) DownloadFrom(ctx context.Context, containerID, path string) ([]byte, error) {
	return nil, nil
}

var _ backend.Port = (*fakePort)(nil)

func sessionRows() []string {
	return []string{"id", "template_id", "mode", "status", "cpu", "memory_bytes", "disk_bytes",
		"max_processes", "workspace_path", "runtime_kind", "node_id", "container_id", "pod_name", "env",
		"labels", "timeout_seconds", "created_at", "updated_at", "completed_at", "last_activity_at"}
}

func TestSyncDestroysOrphanContainer(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.OpenForTesting(db)
	be := &fakePort{containers: []string{"orphan-1"}}
	r := New(st, be, nil, Config{IdleDisabled: true, LifetimeDisabled: true})

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE status NOT IN").WillReturnRows(sqlmock.NewRows(sessionRows()))

	require.NoError(t, r.Sync(context.Background()))
	assert.Equal(t, []string{"orphan-1"}, be.deleted)
}

func TestSyncFailsSessionWithMissingContainer(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.OpenForTesting(db)
	be := &fakePort{}
	r := New(st, be, nil, Config{IdleDisabled: true, LifetimeDisabled: true})

	now := time.Now()
	nonTerminal := sqlmock.NewRows(sessionRows()).
		AddRow("s1", "python-basic", "ephemeral", "RUNNING", 1.0, int64(536870912), int64(1073741824),
			0, "/workspace/s1", "python3.11", "node-1", "gone-container", "", []byte("{}"), []byte("{}"), 30,
			now, now, nil, now)
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE status NOT IN").WillReturnRows(nonTerminal)

	mock.ExpectQuery("SELECT (.+) FROM executions WHERE session_id").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "status", "code", "language",
			"timeout_seconds", "event", "exit_code", "error_message", "stdout", "stderr", "artifacts",
			"duration_ms", "cpu_time_ms", "peak_memory_mb", "return_value", "retry_count", "attempt",
			"created_at", "updated_at", "completed_at"}))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM sessions WHERE id = (.+) FOR UPDATE").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1"))
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").WithArgs("s1").WillReturnRows(
		sqlmock.NewRows(sessionRows()).AddRow("s1", "python-basic", "ephemeral", "RUNNING", 1.0,
			int64(536870912), int64(1073741824), 0, "/workspace/s1", "python3.11", "node-1",
			"gone-container", "", []byte("{}"), []byte("{}"), 30, now, now, nil, now))
	mock.ExpectExec("UPDATE sessions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, r.Sync(context.Background()))
	assert.Equal(t, []string{"gone-container"}, be.deleted)
}

func TestReapOnceIdleSessionTerminatesAndDeletesContainer(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.OpenForTesting(db)
	be := &fakePort{}
	r := New(st, be, nil, Config{IdleThreshold: time.Minute, LifetimeDisabled: true})

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE status NOT IN").WillReturnRows(
		sqlmock.NewRows(sessionRows()).AddRow("s1", "python-basic", "persistent", "RUNNING", 1.0,
			int64(536870912), int64(1073741824), 0, "/workspace/s1", "python3.11", "node-1",
			"c1", "", []byte("{}"), []byte("{}"), 30, now, now, nil, now.Add(-2*time.Minute)))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM sessions WHERE id = (.+) FOR UPDATE").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1"))
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").WithArgs("s1").WillReturnRows(
		sqlmock.NewRows(sessionRows()).AddRow("s1", "python-basic", "persistent", "RUNNING", 1.0,
			int64(536870912), int64(1073741824), 0, "/workspace/s1", "python3.11", "node-1",
			"c1", "", []byte("{}"), []byte("{}"), 30, now, now, nil, now.Add(-2*time.Minute)))
	mock.ExpectExec("UPDATE sessions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT (.+) FROM executions WHERE status = 'RUNNING' AND created_at").
		WillReturnRows(sqlmock.NewRows(nil))

	require.NoError(t, r.reapOnce(context.Background()))
	assert.Equal(t, []string{"c1"}, be.deleted)
}

func TestReapOnceSkipsWhenNotLeader(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.OpenForTesting(db)
	be := &fakePort{}
	r := New(st, be, nonLeader{}, Config{IdleThreshold: time.Minute, LifetimeDisabled: true, ReapInterval: time.Millisecond})

	called := make(chan struct{}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		r.Run(ctx)
		called <- struct{}{}
	}()
	<-called

	assert.Empty(t, be.deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type nonLeader struct{}

func (nonLeader) IsLeader() bool { return false }
