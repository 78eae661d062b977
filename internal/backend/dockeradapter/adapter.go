// Package dockeradapter implements backend.Port against a local Docker
// engine, adapted from agents/docker-agent/agent_docker_operations.go: pull,
// create, start, inspect, stop, remove, all scoped by the sandbox label so
// the reconciler can find every container this control plane owns.
package dockeradapter

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxctl/control-plane/internal/backend"
	"github.com/sandboxctl/control-plane/internal/logger"
)

var tracer = otel.Tracer("sandboxctl/backend/dockeradapter")

// Adapter implements backend.Port over a single Docker engine host. Node
// selection degenerates to a single implicit node ("local") since a lone
// engine has no multi-node concept; the cluster adapter is where node
// selection does real work.
type Adapter struct {
	client      *client.Client
	networkName string
}

const localNodeID = "local"

// New creates a Docker adapter and verifies connectivity.
func New(ctx context.Context, dockerHost, networkName string) (*Adapter, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("dockeradapter: create client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("dockeradapter: ping docker daemon: %w", err)
	}
	a := &Adapter{client: cli, networkName: networkName}
	if err := a.ensureNetwork(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) ensureNetwork(ctx context.Context) error {
	networks, err := a.client.NetworkList(ctx, types.NetworkListOptions{})
	if err != nil {
		return fmt.Errorf("dockeradapter: list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == a.networkName {
			return nil
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.networkName, types.NetworkCreate{
		Driver: "bridge",
		Labels: map[string]string{backend.SandboxLabel: "true"},
	})
	if err != nil {
		return fmt.Errorf("dockeradapter: create network %s: %w", a.networkName, err)
	}
	return nil
}

// ListNodes always returns the single local engine as a candidate; its free
// capacity is left to the caller's own accounting since the engine does not
// expose per-node resource availability for a single-host deployment.
func (a *Adapter) ListNodes(ctx context.Context) ([]backend.Node, error) {
	cached := map[string]bool{}
	images, err := a.client.ImageList(ctx, types.ImageListOptions{})
	if err == nil {
		for _, img := range images {
			for _, tag := range img.RepoTags {
				cached[tag] = true
			}
		}
	}
	count, err := a.sandboxContainerCount(ctx)
	if err != nil {
		return nil, err
	}
	return []backend.Node{{
		ID:             localNodeID,
		HasImageCached: cached,
		SessionCount:   count,
	}}, nil
}

func (a *Adapter) sandboxContainerCount(ctx context.Context) (int, error) {
	ids, err := a.ListSandboxContainers(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CreateContainer pulls the image if needed, then creates and starts (via
// ContainerStart below) a non-root, capability-dropped container per spec
// §4.2 step 3.
//
// Every container keeps a routable address on the adapter's bridge network,
// isolated or not: the control plane's dispatch engine has no channel to a
// sandbox other than HTTP to that address (spec §4.4, §4.5), so Docker's
// own NetworkMode("none") — which strips the address entirely — would
// starve the control-plane<->executor protocol itself, not just the user's
// code. Isolation for the default (AllowNetwork=false) template is instead
// enforced two ways: an egress-blocking iptables rule installed right after
// start (applyEgressIsolation, below), and, more fundamentally, the
// executor runner's own bwrap `--unshare-net` applied per execution
// (internal/executorrunner/isolation.go) — the actual sandbox boundary
// around user code, since a pod/container-wide firewall rule cannot tell
// the executor daemon's own callback traffic apart from a user process's.
func (a *Adapter) CreateContainer(ctx context.Context, spec backend.ContainerSpec) (string, error) {
	ctx, span := tracer.Start(ctx, "dockeradapter.CreateContainer", trace.WithAttributes())
	defer span.End()

	if err := a.pullImage(ctx, spec.Image); err != nil {
		return "", fmt.Errorf("dockeradapter: pull image %s: %w", spec.Image, err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{backend.SandboxLabel: "true", "session-id": spec.SessionID}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	isolateEgress := spec.NetworkMode == "" || spec.NetworkMode == "none"

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
		User:   "1000:1000",
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(a.networkName),
		CapDrop:     []string{"ALL"},
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPUCores * 1e9),
			Memory:   spec.MemoryBytes,
		},
	}

	if !isolateEgress && len(spec.ExposedPorts) > 0 {
		exposedPorts := nat.PortSet{}
		portBindings := nat.PortMap{}
		for _, p := range spec.ExposedPorts {
			natPort := nat.Port(fmt.Sprintf("%d/tcp", p))
			exposedPorts[natPort] = struct{}{}
			portBindings[natPort] = []nat.PortBinding{{HostIP: "127.0.0.1"}}
		}
		cfg.ExposedPorts = exposedPorts
		hostCfg.PortBindings = portBindings
	}

	if spec.WorkspaceMount != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceMount,
			Target: "/workspace",
		}}
	}

	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{a.networkName: {}},
	}

	containerName := fmt.Sprintf("sandbox-%s", spec.SessionID)
	resp, err := a.client.ContainerCreate(ctx, cfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("dockeradapter: create container: %w", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("dockeradapter: start container %s: %w", resp.ID[:12], err)
	}

	if isolateEgress {
		if err := a.applyEgressIsolation(ctx, resp.ID, spec.Env); err != nil {
			logger.Backend().Warn().Err(err).Str("container_id", resp.ID[:12]).
				Msg("failed to install egress-isolation rule, relying on executor-side bwrap isolation only")
		}
	}

	logger.Backend().Info().Str("container_id", resp.ID[:12]).Str("session_id", spec.SessionID).Msg("container started")
	return resp.ID, nil
}

// applyEgressIsolation installs a one-shot iptables OUTPUT policy that
// drops all egress except loopback and the control plane itself, via a
// privileged exec — the container's own process capabilities stay
// CapDrop:ALL throughout (exec-time Privileged is independent of the
// running container's capability set). Requires iptables in the sandbox
// image; failure here is logged and non-fatal, matching DISABLE_BWRAP's
// own "degrade, don't block scheduling" precedent.
func (a *Adapter) applyEgressIsolation(ctx context.Context, containerID string, env map[string]string) error {
	host, err := controlPlaneHost(env["CONTROL_PLANE_URL"])
	if err != nil {
		return fmt.Errorf("dockeradapter: determine control plane address for egress rule: %w", err)
	}

	script := fmt.Sprintf(
		"iptables -P OUTPUT DROP && "+
			"iptables -A OUTPUT -o lo -j ACCEPT && "+
			"iptables -A OUTPUT -d %s -j ACCEPT && "+
			"iptables -A INPUT -i lo -j ACCEPT && "+
			"iptables -A INPUT -m state --state ESTABLISHED,RELATED -j ACCEPT",
		host)

	exec, err := a.client.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Privileged: true,
		Cmd:        []string{"/bin/sh", "-c", script},
	})
	if err != nil {
		return fmt.Errorf("dockeradapter: create egress-isolation exec: %w", err)
	}
	if err := a.client.ContainerExecStart(ctx, exec.ID, types.ExecStartCheck{}); err != nil {
		return fmt.Errorf("dockeradapter: run egress-isolation exec: %w", err)
	}
	return nil
}

// controlPlaneHost extracts the dialable host the egress rule must keep
// open for container_ready/heartbeat/result callbacks.
func controlPlaneHost(controlPlaneURL string) (string, error) {
	u, err := url.Parse(controlPlaneURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("invalid CONTROL_PLANE_URL %q", controlPlaneURL)
	}
	return u.Hostname(), nil
}

func (a *Adapter) pullImage(ctx context.Context, image string) error {
	if _, _, err := a.client.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}
	reader, err := a.client.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Inspect normalizes container.Inspect into backend.Inspection.
func (a *Adapter) Inspect(ctx context.Context, containerID string) (backend.Inspection, error) {
	info, err := a.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return backend.Inspection{State: backend.StateUnknown}, nil
		}
		return backend.Inspection{}, fmt.Errorf("dockeradapter: inspect %s: %w", containerID, err)
	}

	state := backend.StateUnknown
	switch {
	case info.State.Running:
		state = backend.StateRunning
	case info.State.Status == "exited", info.State.Status == "dead":
		state = backend.StateExited
	}

	var exitCode *int
	if !info.State.Running {
		ec := info.State.ExitCode
		exitCode = &ec
	}

	startedAt, _ := parseDockerTime(info.State.StartedAt)
	return backend.Inspection{
		State:     state,
		NodeID:    localNodeID,
		StartedAt: startedAt,
		ExitCode:  exitCode,
	}, nil
}

// ContainerAddress returns the container's IP address on the adapter's
// bridge network. Every sandbox keeps this address regardless of template
// network policy (see CreateContainer): egress isolation is enforced by an
// iptables rule and by the executor's per-execution bwrap network
// namespace, not by withholding the container's own address.
func (a *Adapter) ContainerAddress(ctx context.Context, containerID string) (string, error) {
	info, err := a.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("dockeradapter: inspect %s for address: %w", containerID, err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("dockeradapter: container %s has no network settings", containerID)
	}
	if net, ok := info.NetworkSettings.Networks[a.networkName]; ok && net.IPAddress != "" {
		return net.IPAddress, nil
	}
	if info.NetworkSettings.IPAddress != "" {
		return info.NetworkSettings.IPAddress, nil
	}
	return "", fmt.Errorf("dockeradapter: container %s has no IP address on network %s", containerID, a.networkName)
}

// Stop gracefully stops a container, ignoring not-found (idempotent).
func (a *Adapter) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	if err := a.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &graceSeconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("dockeradapter: stop %s: %w", containerID, err)
	}
	return nil
}

// Delete force-removes a container, ignoring not-found so repeated reconcile
// passes are safe (spec §4.6 "delete is idempotent").
func (a *Adapter) Delete(ctx context.Context, containerID string, force bool) error {
	err := a.client.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("dockeradapter: delete %s: %w", containerID, err)
	}
	return nil
}

// ListSandboxContainers lists every container labeled as ours.
func (a *Adapter) ListSandboxContainers(ctx context.Context) ([]string, error) {
	f := filters.NewArgs()
	f.Add("label", backend.SandboxLabel+"=true")
	containers, err := a.client.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("dockeradapter: list sandbox containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// FetchLogs returns the tail of a container's stdout/stderr.
func (a *Adapter) FetchLogs(ctx context.Context, containerID string, tailLines int) (string, error) {
	tail := "all"
	if tailLines > 0 {
		tail = fmt.Sprintf("%d", tailLines)
	}
	reader, err := a.client.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true, ShowStderr: true, Tail: tail,
	})
	if err != nil {
		return "", fmt.Errorf("dockeradapter: fetch logs for %s: %w", containerID, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("dockeradapter: read logs for %s: %w", containerID, err)
	}
	return string(data), nil
}

// UploadInto and DownloadFrom are used by the files API (spec §6.1 upload
// endpoint) when the workspace is a container volume rather than a shared
// bind mount.
func (a *Adapter) UploadInto(ctx context.Context, containerID, path string, content []byte) error {
	tarball, err := tarSingleFile(path, content)
	if err != nil {
		return fmt.Errorf("dockeradapter: build tar for %s: %w", path, err)
	}
	if err := a.client.CopyToContainer(ctx, containerID, "/", tarball, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("dockeradapter: copy into %s: %w", containerID, err)
	}
	return nil
}

func (a *Adapter) DownloadFrom(ctx context.Context, containerID, path string) ([]byte, error) {
	reader, _, err := a.client.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return nil, fmt.Errorf("dockeradapter: copy from %s:%s: %w", containerID, path, err)
	}
	defer reader.Close()
	return untarSingleFile(reader)
}
