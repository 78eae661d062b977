package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sandboxctl/control-plane/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStoreCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := &ExecutionStore{db: db}
	ex := &model.Execution{SessionID: "s1", Status: model.ExecutionPending, Code: "print(1)", Language: "python", Timeout: 10}

	mock.ExpectExec("INSERT INTO executions").WillReturnResult(sqlmock.NewResult(1, 1))

	err = e.Create(context.Background(), ex)
	require.NoError(t, err)
	assert.NotEmpty(t, ex.ID)
}

func TestCompareAndSetTerminalOnlyAppliesWhenRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := &ExecutionStore{db: db}
	exitCode := 0
	ex := &model.Execution{ID: "e1", Status: model.ExecutionCompleted, ExitCode: &exitCode}

	mock.ExpectExec("UPDATE executions SET").WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := e.CompareAndSetTerminal(context.Background(), ex)
	require.NoError(t, err)
	assert.False(t, applied, "a second callback after the execution already left RUNNING must be a no-op")
}

func TestCompareAndSetTerminalApplies(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := &ExecutionStore{db: db}
	exitCode := 0
	ex := &model.Execution{ID: "e1", Status: model.ExecutionCompleted, ExitCode: &exitCode}

	mock.ExpectExec("UPDATE executions SET").WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := e.CompareAndSetTerminal(context.Background(), ex)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestRunningInSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := &ExecutionStore{db: db}
	mock.ExpectQuery("SELECT count").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	n, err := e.RunningInSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
