package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/sandboxctl/control-plane/internal/backend"
	"github.com/sandboxctl/control-plane/internal/config"
	"github.com/sandboxctl/control-plane/internal/store"
)

func newPingableTestHandler(t *testing.T) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.OpenForTesting(db)
	return &Handler{Store: st, Settings: &config.Settings{MaxTimeout: 3600e9}}, mock
}

type fakeHealthBackend struct{ err error }

func (f *fakeHealthBackend) ListNodes(ctx context.Context) ([]backend.Node, error) { return nil, f.err }
func (f *fakeHealthBackend) CreateContainer(ctx context.Context, spec backend.ContainerSpec) (string, error) {
	return "", nil
}
func (f *fakeHealthBackend) Inspect(ctx context.Context, id string) (backend.Inspection, error) {
	return backend.Inspection{}, nil
}
func (f *fakeHealthBackend) Stop(ctx context.Context, id string, grace int) error { return nil }
func (f *fakeHealthBackend) Delete(ctx context.Context, id string, force bool) error { return nil }
func (f *fakeHealthBackend) ListSandboxContainers(ctx context.Context) ([]string, error) {
	return nil, nil
}
func (f *fakeHealthBackend) FetchLogs(ctx context.Context, id string, tail int) (string, error) {
	return "", nil
}
func (f *fakeHealthBackend) UploadInto(ctx context.Context, id, path string, content []byte) error {
	return nil
}
func (f *fakeHealthBackend) DownloadFrom(ctx context.Context, id, path string) ([]byte, error) {
	return nil, nil
}

func TestHealthAlwaysOK(t *testing.T) {
	h := &Handler{}
	c, w := newTestContext()
	h.Health(c)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthDetailedOKWhenDependenciesReachable(t *testing.T) {
	handler, mock := newPingableTestHandler(t)
	handler.Backend = &fakeHealthBackend{}
	mock.ExpectPing()

	c, w := newTestContext()
	handler.HealthDetailed(c)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthDetailedDegradedWhenBackendUnreachable(t *testing.T) {
	handler, mock := newPingableTestHandler(t)
	handler.Backend = &fakeHealthBackend{err: errDBUnavailable}
	mock.ExpectPing()

	c, w := newTestContext()
	handler.HealthDetailed(c)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
