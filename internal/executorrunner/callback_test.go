package executorrunner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxctl/control-plane/internal/model"
)

func newTestRunner(t *testing.T, handler http.HandlerFunc) (*Runner, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	r, err := New(Config{
		ControlPlaneURL:   srv.URL,
		InternalAPIToken:  "secret",
		WorkspacePath:     t.TempDir(),
		ExecutorPort:      7000,
		DisableBwrap:      true,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return r, srv
}

func TestPostResultSucceedsOnFirstAttempt(t *testing.T) {
	var gotAuth string
	r, _ := newTestRunner(t, func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	})

	err := r.postResult(context.Background(), "exec-1", resultCallbackBody{Status: model.ExecutionCompleted, Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestFinishPersistsToDiskAfterExhaustingRetries(t *testing.T) {
	prevBackoff := callbackBackoff
	callbackBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { callbackBackoff = prevBackoff }()

	r, _ := newTestRunner(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	tmpResults := t.TempDir()
	prevResultsDir := resultsDir
	resultsDir = tmpResults
	defer func() { resultsDir = prevResultsDir }()

	j := &job{req: executeRequest{ExecutionID: "exec-crash"}}
	r.finish(context.Background(), j, capturedResult{status: model.ExecutionFailed, errorMessage: "boom"})

	data, err := os.ReadFile(filepath.Join(tmpResults, "exec-crash.json"))
	require.NoError(t, err)

	var persisted resultCallbackBody
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, model.ExecutionFailed, persisted.Status)
	assert.Equal(t, len(callbackBackoff)+1, persisted.Attempt)
}
