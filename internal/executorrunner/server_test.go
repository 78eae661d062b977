package executorrunner

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdleRunner(t *testing.T) *Runner {
	r, err := New(Config{
		WorkspacePath: t.TempDir(),
		ExecutorPort:  7000,
		DisableBwrap:  true,
	})
	require.NoError(t, err)
	return r
}

func TestHandleHealthOK(t *testing.T) {
	r := newIdleRunner(t)
	router := r.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleExecuteAccepted(t *testing.T) {
	r := newIdleRunner(t)
	router := r.Router()

	body := []byte(`{"execution_id":"exec-1","session_id":"s-1","code":"x","language":"python","timeout":5}`)
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"running"`)
}

func TestHandleExecuteRejectsWhenQueueSaturated(t *testing.T) {
	r := newIdleRunner(t)
	router := r.Router()

	body := []byte(`{"execution_id":"exec-x","session_id":"s-1","code":"x","language":"python","timeout":5}`)
	for i := 0; i < maxQueueDepth; i++ {
		req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInstallCommandMapsRuntimeKind(t *testing.T) {
	name, args := installCommand("python", []string{"requests"})
	assert.Equal(t, "pip", name)
	assert.Contains(t, args, "requests")

	name, _ = installCommand("unknown", []string{"x"})
	assert.Empty(t, name)
}
