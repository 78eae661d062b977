package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sandboxctl/control-plane/internal/model"
	"github.com/sandboxctl/control-plane/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct{ baseURL string }

func (r *fakeResolver) ExecutorURL(ctx context.Context, sessionID string) (string, error) {
	return r.baseURL, nil
}

func newTestStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.OpenForTesting(db), mock
}

func TestSubmitRejectsOversizedCode(t *testing.T) {
	st, _ := newTestStore(t)
	eng := New(st, &fakeResolver{}, func(string) string { return "tok" })

	sess := &model.Session{ID: "s1", Mode: model.ModeEphemeral, Status: model.SessionRunning}
	oversized := make([]byte, model.MaxCodeBytes+1)
	_, err := eng.Submit(context.Background(), sess, ExecuteRequest{Code: string(oversized), Language: "python", Timeout: 10})
	require.Error(t, err)
}

func TestSubmitRejectsUnsupportedLanguage(t *testing.T) {
	st, _ := newTestStore(t)
	eng := New(st, &fakeResolver{}, func(string) string { return "tok" })

	sess := &model.Session{ID: "s1", Mode: model.ModeEphemeral, Status: model.SessionRunning}
	_, err := eng.Submit(context.Background(), sess, ExecuteRequest{Code: "1", Language: "ruby", Timeout: 10})
	require.Error(t, err)
}

func TestSubmitHappyPath(t *testing.T) {
	executor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer executor.Close()

	st, mock := newTestStore(t)
	eng := New(st, &fakeResolver{baseURL: executor.URL}, func(string) string { return "tok" })

	mock.ExpectQuery("SELECT count").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO executions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE sessions SET last_activity_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE executions SET status = 'RUNNING'").WillReturnResult(sqlmock.NewResult(0, 1))

	sess := &model.Session{ID: "s1", Mode: model.ModeEphemeral, Status: model.SessionRunning}
	ex, err := eng.Submit(context.Background(), sess, ExecuteRequest{Code: "print(1)", Language: "python", Timeout: 10})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRunning, ex.Status)

	eng.cancelWatchdog(ex.ID)
}

func sessionRowColumns() []string {
	return []string{"id", "template_id", "mode", "status", "cpu", "memory_bytes", "disk_bytes", "max_processes",
		"workspace_path", "runtime_kind", "node_id", "container_id", "pod_name", "env", "labels", "timeout_seconds",
		"created_at", "updated_at", "completed_at", "last_activity_at"}
}

func TestHandleResultAppliesWhenRunning(t *testing.T) {
	st, mock := newTestStore(t)
	eng := New(st, &fakeResolver{}, func(string) string { return "tok" })

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "session_id", "status", "code", "language", "timeout_seconds", "event",
		"exit_code", "error_message", "stdout", "stderr", "artifacts", "duration_ms", "cpu_time_ms", "peak_memory_mb",
		"return_value", "retry_count", "attempt", "created_at", "updated_at", "completed_at"}).
		AddRow("e1", "s1", "RUNNING", "print(1)", "python", 10, []byte("{}"), nil, "", "", "", []byte("[]"),
			0, nil, nil, nil, 0, 0, now, now, nil)
	mock.ExpectQuery("SELECT (.+) FROM executions WHERE id").WithArgs("e1").WillReturnRows(rows)
	mock.ExpectExec("UPDATE executions SET").WillReturnResult(sqlmock.NewResult(0, 1))

	// session is persistent, so the post-result ephemeral self-terminate is a no-op.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM sessions WHERE id = (.+) FOR UPDATE").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1"))
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").WithArgs("s1").WillReturnRows(
		sqlmock.NewRows(sessionRowColumns()).AddRow("s1", "python-basic", "persistent", "RUNNING", 1.0,
			int64(536870912), int64(1073741824), 0, "/workspace/s1", "python3.11", "node-1", "c1", "",
			[]byte("{}"), []byte("{}"), 30, now, now, nil, now))
	mock.ExpectCommit()

	applied, err := eng.HandleResult(context.Background(), "e1", ResultCallback{
		Status: model.ExecutionCompleted,
	})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestHandleResultCompletesEphemeralSession(t *testing.T) {
	st, mock := newTestStore(t)
	eng := New(st, &fakeResolver{}, func(string) string { return "tok" })

	now := time.Now()
	execRows := sqlmock.NewRows([]string{"id", "session_id", "status", "code", "language", "timeout_seconds", "event",
		"exit_code", "error_message", "stdout", "stderr", "artifacts", "duration_ms", "cpu_time_ms", "peak_memory_mb",
		"return_value", "retry_count", "attempt", "created_at", "updated_at", "completed_at"}).
		AddRow("e1", "s1", "RUNNING", "print(1)", "python", 10, []byte("{}"), nil, "", "", "", []byte("[]"),
			0, nil, nil, nil, 0, 0, now, now, nil)
	mock.ExpectQuery("SELECT (.+) FROM executions WHERE id").WithArgs("e1").WillReturnRows(execRows)
	mock.ExpectExec("UPDATE executions SET").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM sessions WHERE id = (.+) FOR UPDATE").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1"))
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").WithArgs("s1").WillReturnRows(
		sqlmock.NewRows(sessionRowColumns()).AddRow("s1", "python-basic", "ephemeral", "RUNNING", 1.0,
			int64(536870912), int64(1073741824), 0, "/workspace/s1", "python3.11", "node-1", "c1", "",
			[]byte("{}"), []byte("{}"), 30, now, now, nil, now))
	mock.ExpectExec("UPDATE sessions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := eng.HandleResult(context.Background(), "e1", ResultCallback{
		Status: model.ExecutionCompleted,
	})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestNotifyReadyUnblocksWaitReady(t *testing.T) {
	st, _ := newTestStore(t)
	eng := New(st, &fakeResolver{}, func(string) string { return "tok" })

	done := make(chan error, 1)
	go func() {
		done <- eng.WaitReady(context.Background(), "s1", 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	eng.NotifyReady("s1")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitReady did not return after NotifyReady")
	}
}
