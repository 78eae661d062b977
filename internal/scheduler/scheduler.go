// Package scheduler implements node selection and container provisioning
// for new sessions (spec §4.2). Candidate ranking is grounded on
// api/internal/handlers/loadbalancing.go's SelectNode: filter nodes with
// enough free capacity, then rank by a preference order, tie-broken by the
// lowest current session count.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sandboxctl/control-plane/internal/apperrors"
	"github.com/sandboxctl/control-plane/internal/backend"
	"github.com/sandboxctl/control-plane/internal/logger"
	"github.com/sandboxctl/control-plane/internal/model"
)

// ReadinessWaiter is satisfied by the dispatch package's callback registry:
// it resolves once a container_ready callback or a successful /health poll
// arrives for a session, whichever is first (spec §4.2 step 4).
type ReadinessWaiter interface {
	WaitReady(ctx context.Context, sessionID string, timeout time.Duration) error
}

// Draft is the scheduler's input: a session not yet bound to a node or
// container.
type Draft struct {
	Session  *model.Session
	Template *model.Template
}

// Result is what schedule() produces on success (spec §4.2 contract).
type Result struct {
	NodeID        string
	ContainerID   string
	WorkspacePath string
}

// Scheduler implements the spec §4.2 algorithm over a single backend.Port.
// Which port (docker or cluster) is wired in is a cmd/controlplane/main.go
// composition decision driven by config.Backend.
type Scheduler struct {
	backend       backend.Port
	waiter        ReadinessWaiter
	workspaceRoot string
	readyTimeout  time.Duration
	internalToken func(sessionID string) string
	controlPlane  string
}

// New builds a Scheduler. internalToken mints the per-session
// INTERNAL_API_TOKEN env var handed to the container (spec §4.2 step 3).
func New(port backend.Port, waiter ReadinessWaiter, workspaceRoot, controlPlaneURL string, readyTimeout time.Duration, internalToken func(sessionID string) string) *Scheduler {
	if readyTimeout < 30*time.Second {
		readyTimeout = 30 * time.Second
	}
	return &Scheduler{
		backend:       port,
		waiter:        waiter,
		workspaceRoot: workspaceRoot,
		readyTimeout:  readyTimeout,
		internalToken: internalToken,
		controlPlane:  controlPlaneURL,
	}
}

// Schedule runs the full spec §4.2 algorithm: validate limits, pick a node,
// create the container, wait for readiness, and (if requested) install
// dependencies, finally returning the identifiers the caller persists.
func (s *Scheduler) Schedule(ctx context.Context, draft Draft, deps DependencySpec) (Result, error) {
	if err := s.validateLimits(draft); err != nil {
		return Result{}, err
	}

	node, err := s.pickNode(ctx, draft)
	if err != nil {
		return Result{}, err
	}

	workspacePath := fmt.Sprintf("%s/%s", s.workspaceRoot, draft.Session.ID)

	env := map[string]string{}
	for k, v := range draft.Session.Env {
		env[k] = v
	}
	env["CONTROL_PLANE_URL"] = s.controlPlane
	env["INTERNAL_API_TOKEN"] = s.internalToken(draft.Session.ID)
	env["SESSION_ID"] = draft.Session.ID

	networkMode := "none"
	if draft.Template.AllowNetwork {
		networkMode = "bridge"
	}

	spec := backend.ContainerSpec{
		SessionID:      draft.Session.ID,
		Image:          draft.Template.Image,
		Env:            env,
		CPUCores:       draft.Session.ResourceLimit.CPUCores,
		MemoryBytes:    draft.Session.ResourceLimit.MemoryBytes,
		DiskBytes:      draft.Session.ResourceLimit.DiskBytes,
		NetworkMode:    networkMode,
		WorkspaceMount: workspacePath,
		NodeID:         node.ID,
		Labels:         map[string]string{"template-id": draft.Template.ID},
	}

	containerID, err := s.backend.CreateContainer(ctx, spec)
	if err != nil {
		return Result{}, apperrors.SchedulingFailed("image pull or container create failed", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.readyTimeout)
	defer cancel()
	if err := s.waiter.WaitReady(waitCtx, draft.Session.ID, s.readyTimeout); err != nil {
		_ = s.backend.Delete(ctx, containerID, true)
		return Result{}, apperrors.ExecutorUnreachable(err)
	}

	if deps.HasDependencies() {
		if err := s.installDependencies(ctx, draft.Session.ID, deps); err != nil {
			if !deps.AllowVersionConflicts && deps.FailOnDependencyError {
				_ = s.backend.Delete(ctx, containerID, true)
				return Result{}, apperrors.Wrap(apperrors.KindExecutionFailed, "dependency install failed", "disable fail_on_dependency_error or fix the package list", err)
			}
			logger.Scheduler().Warn().Err(err).Str("session_id", draft.Session.ID).Msg("dependency install failed, continuing per fail_on_dependency_error=false")
		}
	}

	logger.Scheduler().Info().Str("session_id", draft.Session.ID).Str("node_id", node.ID).
		Str("container_id", containerID).Msg("session scheduled")

	return Result{NodeID: node.ID, ContainerID: containerID, WorkspacePath: workspacePath}, nil
}

func (s *Scheduler) validateLimits(d Draft) error {
	rl := d.Session.ResourceLimit
	bound := d.Template.DefaultLimit
	if rl.CPUCores > bound.CPUCores || rl.MemoryBytes > bound.MemoryBytes || rl.DiskBytes > bound.DiskBytes {
		return apperrors.InvalidRequest("requested resource limit exceeds template bounds")
	}
	return nil
}

// pickNode implements the spec's three-tier preference order, tie-broken by
// lowest session count, mirroring calculateClusterTotals/SelectNode's
// candidate-filter-then-rank shape.
func (s *Scheduler) pickNode(ctx context.Context, d Draft) (backend.Node, error) {
	nodes, err := s.backend.ListNodes(ctx)
	if err != nil {
		return backend.Node{}, apperrors.BackendUnavailable(err)
	}
	if len(nodes) == 0 {
		return backend.Node{}, apperrors.SchedulingFailed("no candidate nodes available", nil)
	}

	rl := d.Session.ResourceLimit
	image := d.Template.Image

	var affinity, withCapacity, any []backend.Node
	for _, n := range nodes {
		if n.HasImageCached[image] {
			affinity = append(affinity, n)
		}
		if n.FreeCPUCores == 0 && n.FreeMemoryBytes == 0 {
			// adapters that don't report free capacity (e.g. the local
			// docker engine) are treated as always having room; only the
			// cluster adapter's real accounting can disqualify a node here.
			any = append(any, n)
			continue
		}
		if n.FreeCPUCores >= rl.CPUCores && n.FreeMemoryBytes >= rl.MemoryBytes {
			withCapacity = append(withCapacity, n)
		} else {
			any = append(any, n)
		}
	}

	switch {
	case len(affinity) > 0:
		return lowestSessionCount(affinity), nil
	case len(withCapacity) > 0:
		return lowestSessionCount(withCapacity), nil
	case len(any) > 0:
		return lowestSessionCount(any), nil
	default:
		return backend.Node{}, apperrors.SchedulingFailed("no node has capacity for the requested limit", nil)
	}
}

func lowestSessionCount(nodes []backend.Node) backend.Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.SessionCount < best.SessionCount {
			best = n
		}
	}
	return best
}

// DependencySpec carries the optional pip-style install request (spec §4.2
// step 5).
type DependencySpec struct {
	Packages               []string
	InstallTimeout         time.Duration
	FailOnDependencyError  bool
	AllowVersionConflicts  bool
}

func (d DependencySpec) HasDependencies() bool { return len(d.Packages) > 0 }

// DependencyInstaller is implemented by the dispatch package, which knows
// how to reach the executor's package-install endpoint.
type DependencyInstaller interface {
	InstallDependencies(ctx context.Context, sessionID string, packages []string, timeout time.Duration) error
}

func (s *Scheduler) installDependencies(ctx context.Context, sessionID string, deps DependencySpec) error {
	installer, ok := s.waiter.(DependencyInstaller)
	if !ok {
		return fmt.Errorf("scheduler: readiness waiter does not support dependency install")
	}
	installCtx, cancel := context.WithTimeout(ctx, deps.InstallTimeout)
	defer cancel()
	return installer.InstallDependencies(installCtx, sessionID, deps.Packages, deps.InstallTimeout)
}
