package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/sandboxctl/control-plane/internal/config"
	"github.com/sandboxctl/control-plane/internal/store"
)

var errDBUnavailable = errors.New("database unavailable")

func newTestHandler(t *testing.T) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.OpenForTesting(db)
	return &Handler{Store: st, Settings: &config.Settings{MaxTimeout: 3600e9}}, mock
}

func postJSON(c *gin.Context, method, path string, body interface{}) {
	data, _ := json.Marshal(body)
	c.Request = httptest.NewRequest(method, path, bytes.NewReader(data))
	c.Request.Header.Set("Content-Type", "application/json")
}

func TestCreateTemplate(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.ExpectExec("INSERT INTO templates").WillReturnResult(sqlmock.NewResult(1, 1))

	c, w := newTestContext()
	postJSON(c, http.MethodPost, "/api/v1/templates", map[string]interface{}{
		"name":            "python-basic",
		"image":           "python:3.12-slim",
		"runtime_kind":    "python",
		"default_timeout": 300,
	})

	h.CreateTemplate(c)

	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTemplateRejectsInvalidTimeout(t *testing.T) {
	h, _ := newTestHandler(t)

	c, w := newTestContext()
	postJSON(c, http.MethodPost, "/api/v1/templates", map[string]interface{}{
		"name":            "bad",
		"image":           "python:3.12-slim",
		"default_timeout": 99999,
	})

	h.CreateTemplate(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTemplateStoreErrorIsInternal(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.ExpectQuery("SELECT (.+) FROM templates").WillReturnError(errDBUnavailable)

	c, w := newTestContext()
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	h.GetTemplate(c)

	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDeleteTemplateRejectsWhenLiveSessionsExist(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM sessions").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	c, w := newTestContext()
	c.Params = gin.Params{{Key: "id", Value: "python-basic"}}
	h.DeleteTemplate(c)

	require.Equal(t, http.StatusConflict, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTemplateDeactivatesWhenNoLiveSessions(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM sessions").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("UPDATE templates SET active").WillReturnResult(sqlmock.NewResult(0, 1))

	c, w := newTestContext()
	c.Params = gin.Params{{Key: "id", Value: "python-basic"}}
	h.DeleteTemplate(c)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
