// Package backend defines the narrow port the scheduler and reconciler
// depend on, abstracting over whichever container backend is actually
// running sessions (spec §4.3 / §9 "duck-typed scheduler knows about
// backends becomes a single port interface").
package backend

import (
	"context"
	"time"
)

// ContainerState is the adapter-normalized lifecycle state of a container.
type ContainerState string

const (
	StateRunning ContainerState = "running"
	StateExited  ContainerState = "exited"
	StateUnknown ContainerState = "unknown"
)

// ContainerSpec describes the container the scheduler wants created. It is
// backend-agnostic; each adapter translates it into its own API calls.
type ContainerSpec struct {
	SessionID      string
	Image          string
	Env            map[string]string
	CPUCores       float64
	MemoryBytes    int64
	DiskBytes      int64
	NetworkMode    string // "none" unless the template explicitly permits otherwise
	ExposedPorts   []int  // only honored when NetworkMode != "none"
	WorkspaceMount string
	NodeID         string // preferred node/host, set by the scheduler's node selection
	Labels         map[string]string
}

// Node is a candidate scheduling target as reported by the backend.
type Node struct {
	ID             string
	HasImageCached map[string]bool
	FreeCPUCores   float64
	FreeMemoryBytes int64
	SessionCount   int
}

// Inspection is the normalized result of inspecting a container.
type Inspection struct {
	State     ContainerState
	NodeID    string
	StartedAt time.Time
	ExitCode  *int
}

// SandboxLabel is the label every adapter sets on containers it creates, used
// to scope ListSandboxContainers to resources this control plane owns (spec
// §4.3: "filtered by a label the adapter sets on creation").
const SandboxLabel = "sandboxctl.io/managed"

// Port is the uniform operation set the rest of the core depends on,
// implemented by the local docker adapter and the cluster adapter.
type Port interface {
	// ListNodes returns scheduling candidates, used for template-affinity and
	// free-capacity node selection (spec §4.2 step 2).
	ListNodes(ctx context.Context) ([]Node, error)

	// CreateContainer provisions a sandbox container per spec, returning its
	// backend-assigned id.
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)

	// Inspect returns the normalized state of a container.
	Inspect(ctx context.Context, containerID string) (Inspection, error)

	// Stop asks the container to stop gracefully within graceSeconds.
	Stop(ctx context.Context, containerID string, graceSeconds int) error

	// Delete removes a container. Must be idempotent: deleting an
	// already-gone container is not an error (spec §4.6 "delete is
	// idempotent").
	Delete(ctx context.Context, containerID string, force bool) error

	// ListSandboxContainers returns every container this control plane is
	// tracking, by label, for the reconciler's startup join.
	ListSandboxContainers(ctx context.Context) ([]string, error)

	// FetchLogs returns the tail of a container's combined output.
	FetchLogs(ctx context.Context, containerID string, tailLines int) (string, error)

	// ContainerAddress returns the network address (IP or resolvable host)
	// the control plane can reach the container's executor daemon on,
	// used by the dispatch engine to build a session's executor base URL
	// (spec §4.4: "POST to the executor's /execute on the session's
	// container").
	ContainerAddress(ctx context.Context, containerID string) (string, error)

	// UploadInto copies bytes to a path inside the container's workspace.
	UploadInto(ctx context.Context, containerID, path string, content []byte) error

	// DownloadFrom reads a path from inside the container's workspace.
	DownloadFrom(ctx context.Context, containerID, path string) ([]byte, error)
}
