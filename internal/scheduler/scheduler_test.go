package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/sandboxctl/control-plane/internal/apperrors"
	"github.com/sandboxctl/control-plane/internal/backend"
	"github.com/sandboxctl/control-plane/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	nodes          []backend.Node
	createdSpec    backend.ContainerSpec
	createErr      error
	deleteCalled   bool
}

func (f *fakePort) ListNodes(ctx context.Context) ([]backend.Node, error) { return f.nodes, nil }
func (f *fakePort) CreateContainer(ctx context.Context, spec backend.ContainerSpec) (string, error) {
	f.createdSpec = spec
	if f.createErr != nil {
		return "", f.createErr
	}
	return "container-1", nil
}
func (f *fakePort) Inspect(ctx context.Context, id string) (backend.Inspection, error) { return backend.Inspection{}, nil }
func (f *fakePort) Stop(ctx context.Context, id string, grace int) error                { return nil }
func (f *fakePort) Delete(ctx context.Context, id string, force bool) error {
	f.deleteCalled = true
	return nil
}
func (f *fakePort) ListSandboxContainers(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakePort) FetchLogs(ctx context.Context, id string, tail int) (string, error) { return "", nil }
func (f *fakePort) UploadInto(ctx context.Context, id, path string, content []byte) error { return nil }
func (f *fakePort) DownloadFrom(ctx context.Context, id, path string) ([]byte, error) { return nil, nil }

type fakeWaiter struct{ err error }

func (w *fakeWaiter) WaitReady(ctx context.Context, sessionID string, timeout time.Duration) error {
	return w.err
}

func draftFor(cpu float64, mem int64, image string) Draft {
	return Draft{
		Session: &model.Session{
			ID:            "s1",
			ResourceLimit: model.ResourceLimit{CPUCores: cpu, MemoryBytes: mem},
		},
		Template: &model.Template{
			ID:           "py",
			Image:        image,
			DefaultLimit: model.ResourceLimit{CPUCores: 2, MemoryBytes: 1 << 30},
		},
	}
}

func TestSchedulePrefersTemplateAffinity(t *testing.T) {
	port := &fakePort{nodes: []backend.Node{
		{ID: "cold", FreeCPUCores: 4, FreeMemoryBytes: 4 << 30, SessionCount: 0},
		{ID: "affine", HasImageCached: map[string]bool{"py:latest": true}, FreeCPUCores: 1, FreeMemoryBytes: 1 << 20, SessionCount: 5},
	}}
	sched := New(port, &fakeWaiter{}, "/workspace", "http://cp", 30*time.Second, func(string) string { return "tok" })

	res, err := sched.Schedule(context.Background(), draftFor(1, 1<<20, "py:latest"), DependencySpec{})
	require.NoError(t, err)
	assert.Equal(t, "affine", port.createdSpec.NodeID)
	assert.Equal(t, "container-1", res.ContainerID)
}

func TestScheduleRejectsLimitsAboveTemplateBounds(t *testing.T) {
	port := &fakePort{nodes: []backend.Node{{ID: "n1"}}}
	sched := New(port, &fakeWaiter{}, "/workspace", "http://cp", 30*time.Second, func(string) string { return "tok" })

	_, err := sched.Schedule(context.Background(), draftFor(10, 1<<30, "py:latest"), DependencySpec{})
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindInvalidRequest, appErr.Kind)
}

func TestScheduleDeletesContainerWhenReadinessTimesOut(t *testing.T) {
	port := &fakePort{nodes: []backend.Node{{ID: "n1"}}}
	sched := New(port, &fakeWaiter{err: context.DeadlineExceeded}, "/workspace", "http://cp", 30*time.Second, func(string) string { return "tok" })

	_, err := sched.Schedule(context.Background(), draftFor(1, 1<<20, "py:latest"), DependencySpec{})
	require.Error(t, err)
	assert.True(t, port.deleteCalled)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindExecutorUnreachable, appErr.Kind)
}

func TestScheduleNoCandidateNodes(t *testing.T) {
	port := &fakePort{}
	sched := New(port, &fakeWaiter{}, "/workspace", "http://cp", 30*time.Second, func(string) string { return "tok" })

	_, err := sched.Schedule(context.Background(), draftFor(1, 1<<20, "py:latest"), DependencySpec{})
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindSchedulingFailed, appErr.Kind)
}
