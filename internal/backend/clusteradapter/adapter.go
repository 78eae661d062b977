// Package clusteradapter implements backend.Port against a Kubernetes
// cluster, adapted from agents/k8s-agent/k8s_operations.go (pod/deployment
// shape) and api/internal/k8s/client.go (in-cluster/kubeconfig
// auto-configuration). Each sandbox is a single bare Pod rather than a
// Deployment: sandboxes are not self-healing workloads, and the control
// plane already owns the restart decision through the scheduler.
package clusteradapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/sandboxctl/control-plane/internal/backend"
	"github.com/sandboxctl/control-plane/internal/logger"
)

// Adapter implements backend.Port over a Kubernetes namespace. Pods carry
// backend.SandboxLabel so ListSandboxContainers can recover every sandbox
// this control plane owns after a restart, the same join the docker
// adapter performs by container label.
type Adapter struct {
	clientset *kubernetes.Clientset
	restCfg   *rest.Config
	namespace string
}

// New auto-configures a client the way api/internal/k8s/client.go does:
// in-cluster config first, falling back to KUBECONFIG or ~/.kube/config.
func New(namespace string) (*Adapter, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("clusteradapter: load kubeconfig: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("clusteradapter: create clientset: %w", err)
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Adapter{clientset: cs, restCfg: cfg, namespace: namespace}, nil
}

func loadConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determine home directory: %w", err)
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// ListNodes reports real cluster nodes with their allocatable capacity,
// unlike the Docker adapter's single synthetic node.
func (a *Adapter) ListNodes(ctx context.Context) ([]backend.Node, error) {
	nodeList, err := a.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("clusteradapter: list nodes: %w", err)
	}

	out := make([]backend.Node, 0, len(nodeList.Items))
	for _, n := range nodeList.Items {
		cached := map[string]bool{}
		for _, img := range n.Status.Images {
			for _, tag := range img.Names {
				cached[tag] = true
			}
		}
		cpu := n.Status.Allocatable[corev1.ResourceCPU]
		mem := n.Status.Allocatable[corev1.ResourceMemory]

		count, err := a.sessionCountOnNode(ctx, n.Name)
		if err != nil {
			return nil, err
		}

		out = append(out, backend.Node{
			ID:              n.Name,
			HasImageCached:  cached,
			FreeCPUCores:    cpu.AsApproximateFloat64(),
			FreeMemoryBytes: mem.Value(),
			SessionCount:    count,
		})
	}
	return out, nil
}

func (a *Adapter) sessionCountOnNode(ctx context.Context, nodeName string) (int, error) {
	pods, err := a.clientset.CoreV1().Pods(a.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: backend.SandboxLabel + "=true",
		FieldSelector: "spec.nodeName=" + nodeName,
	})
	if err != nil {
		return 0, fmt.Errorf("clusteradapter: list pods on node %s: %w", nodeName, err)
	}
	return len(pods.Items), nil
}

// CreateContainer creates a single-container Pod for the sandbox, mirroring
// createSessionDeployment's resource/env/label shape but without the
// Deployment/ReplicaSet wrapper.
func (a *Adapter) CreateContainer(ctx context.Context, spec backend.ContainerSpec) (string, error) {
	cpuQty := resource.NewMilliQuantity(int64(spec.CPUCores*1000), resource.DecimalSI)
	memQty := resource.NewQuantity(spec.MemoryBytes, resource.BinarySI)

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	labels := map[string]string{backend.SandboxLabel: "true", "session-id": spec.SessionID}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	podName := sandboxPodName(spec.SessionID)
	dropAll := []corev1.Capability{"ALL"}
	nonRoot := true
	uid := int64(1000)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: a.namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			NodeName:      spec.NodeID,
			Containers: []corev1.Container{
				{
					Name:  "sandbox",
					Image: spec.Image,
					Env:   env,
					SecurityContext: &corev1.SecurityContext{
						RunAsUser:                &uid,
						RunAsNonRoot:             &nonRoot,
						Capabilities:             &corev1.Capabilities{Drop: dropAll},
						AllowPrivilegeEscalation: boolPtr(false),
					},
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    *cpuQty,
							corev1.ResourceMemory: *memQty,
						},
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    *cpuQty,
							corev1.ResourceMemory: *memQty,
						},
					},
				},
			},
		},
	}

	isolateEgress := spec.NetworkMode == "none" || spec.NetworkMode == ""
	if isolateEgress {
		pod.Spec.Containers[0].SecurityContext.Capabilities.Drop = dropAll
		pod.ObjectMeta.Annotations = map[string]string{
			"container.apparmor.security.beta.kubernetes.io/sandbox": "runtime/default",
		}
	}

	if spec.WorkspaceMount != "" {
		pod.Spec.Volumes = []corev1.Volume{{
			Name: "workspace",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: spec.WorkspaceMount},
			},
		}}
		pod.Spec.Containers[0].VolumeMounts = []corev1.VolumeMount{{
			Name:      "workspace",
			MountPath: "/workspace",
		}}
	}

	created, err := a.clientset.CoreV1().Pods(a.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("clusteradapter: create pod: %w", err)
	}

	if isolateEgress {
		if _, err := a.clientset.NetworkingV1().NetworkPolicies(a.namespace).Create(ctx, egressIsolationPolicy(podName, spec.SessionID, labels), metav1.CreateOptions{}); err != nil {
			logger.Backend().Warn().Err(err).Str("pod", podName).
				Msg("failed to create egress-isolation NetworkPolicy, pod has unrestricted egress")
		}
	}

	logger.Backend().Info().Str("pod", created.Name).Str("session_id", spec.SessionID).Msg("pod created")
	return created.Name, nil
}

func sandboxPodName(sessionID string) string {
	return fmt.Sprintf("sandbox-%s", sessionID)
}

func sandboxNetworkPolicyName(podName string) string {
	return podName + "-netpol"
}

// egressIsolationPolicy denies the sandbox pod's egress to everything
// except same-namespace peers (the control plane's callback endpoint
// included, spec §6.2) and kube-dns, so name resolution and the
// container_ready/heartbeat/result callbacks keep working while all
// outbound internet access — the actual isolation target of spec §4.2
// step 3's "none" network default — is blocked. PodSelector scopes it to
// this one pod via its unique session-id label, matching the per-session
// container.apparmor annotation set alongside it.
func egressIsolationPolicy(podName, sessionID string, podLabels map[string]string) *networkingv1.NetworkPolicy {
	udp := corev1.ProtocolUDP
	tcp := corev1.ProtocolTCP
	dnsPort := intstr.FromInt(53)

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:   sandboxNetworkPolicyName(podName),
			Labels: podLabels,
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{"session-id": sessionID},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					To: []networkingv1.NetworkPolicyPeer{
						{PodSelector: &metav1.LabelSelector{}},
					},
				},
				{
					To: []networkingv1.NetworkPolicyPeer{
						{NamespaceSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"},
						}},
					},
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &udp, Port: &dnsPort},
						{Protocol: &tcp, Port: &dnsPort},
					},
				},
			},
		},
	}
}

func boolPtr(b bool) *bool { return &b }

// Inspect normalizes Pod phase into backend.Inspection. Containers here are
// pods, so "containerID" is a pod name throughout this adapter.
func (a *Adapter) Inspect(ctx context.Context, containerID string) (backend.Inspection, error) {
	pod, err := a.clientset.CoreV1().Pods(a.namespace).Get(ctx, containerID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.Inspection{State: backend.StateUnknown}, nil
		}
		return backend.Inspection{}, fmt.Errorf("clusteradapter: get pod %s: %w", containerID, err)
	}

	state := backend.StateUnknown
	var exitCode *int
	switch pod.Status.Phase {
	case corev1.PodRunning:
		state = backend.StateRunning
	case corev1.PodSucceeded:
		state = backend.StateExited
		zero := 0
		exitCode = &zero
	case corev1.PodFailed:
		state = backend.StateExited
		exitCode = exitCodeFromPod(pod)
	}

	var startedAt metav1.Time
	if pod.Status.StartTime != nil {
		startedAt = *pod.Status.StartTime
	}

	return backend.Inspection{
		State:     state,
		NodeID:    pod.Spec.NodeName,
		StartedAt: startedAt.Time,
		ExitCode:  exitCode,
	}, nil
}

func exitCodeFromPod(pod *corev1.Pod) *int {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			code := int(cs.State.Terminated.ExitCode)
			return &code
		}
	}
	code := 1
	return &code
}

// ContainerAddress returns the pod's cluster IP, reachable from the control
// plane without going through a Service (sandbox pods are not
// service-fronted: the scheduler dials the executor directly).
func (a *Adapter) ContainerAddress(ctx context.Context, containerID string) (string, error) {
	pod, err := a.clientset.CoreV1().Pods(a.namespace).Get(ctx, containerID, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("clusteradapter: get pod %s for address: %w", containerID, err)
	}
	if pod.Status.PodIP == "" {
		return "", fmt.Errorf("clusteradapter: pod %s has no assigned IP yet", containerID)
	}
	return pod.Status.PodIP, nil
}

// Stop deletes the pod with a grace period; Kubernetes pods have no
// separate "stopped but present" state, so stop and delete converge here,
// with Delete(force=true) simply dropping the grace period to zero.
func (a *Adapter) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	grace := int64(graceSeconds)
	err := a.clientset.CoreV1().Pods(a.namespace).Delete(ctx, containerID, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("clusteradapter: stop pod %s: %w", containerID, err)
	}
	return nil
}

// Delete removes the pod and its egress-isolation NetworkPolicy (if any),
// ignoring not-found on both so repeated reconcile passes stay idempotent
// (spec §4.6).
func (a *Adapter) Delete(ctx context.Context, containerID string, force bool) error {
	var grace *int64
	if force {
		zero := int64(0)
		grace = &zero
	}
	err := a.clientset.CoreV1().Pods(a.namespace).Delete(ctx, containerID, metav1.DeleteOptions{
		GracePeriodSeconds: grace,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("clusteradapter: delete pod %s: %w", containerID, err)
	}

	polErr := a.clientset.NetworkingV1().NetworkPolicies(a.namespace).Delete(ctx, sandboxNetworkPolicyName(containerID), metav1.DeleteOptions{})
	if polErr != nil && !apierrors.IsNotFound(polErr) {
		return fmt.Errorf("clusteradapter: delete network policy for pod %s: %w", containerID, polErr)
	}
	return nil
}

// ListSandboxContainers lists every pod labeled as ours, for the
// reconciler's startup join.
func (a *Adapter) ListSandboxContainers(ctx context.Context) ([]string, error) {
	pods, err := a.clientset.CoreV1().Pods(a.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: backend.SandboxLabel + "=true",
	})
	if err != nil {
		return nil, fmt.Errorf("clusteradapter: list sandbox pods: %w", err)
	}
	names := make([]string, 0, len(pods.Items))
	for _, p := range pods.Items {
		names = append(names, p.Name)
	}
	return names, nil
}

// FetchLogs streams the tail of the sandbox container's log.
func (a *Adapter) FetchLogs(ctx context.Context, containerID string, tailLines int) (string, error) {
	opts := &corev1.PodLogOptions{}
	if tailLines > 0 {
		lines := int64(tailLines)
		opts.TailLines = &lines
	}
	req := a.clientset.CoreV1().Pods(a.namespace).GetLogs(containerID, opts)
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("clusteradapter: stream logs for %s: %w", containerID, err)
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("clusteradapter: read logs for %s: %w", containerID, err)
	}
	return string(data), nil
}

// UploadInto and DownloadFrom shell out to the equivalent of `kubectl cp`
// via remotecommand, since the dynamic/typed clientset has no direct file
// transfer call.
func (a *Adapter) UploadInto(ctx context.Context, containerID, path string, content []byte) error {
	exec, err := a.execFor(containerID, []string{"sh", "-c", fmt.Sprintf("cat > %s", shellQuote(path))})
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  bytes.NewReader(content),
		Stderr: &stderr,
	})
	if err != nil {
		return fmt.Errorf("clusteradapter: upload into %s:%s: %w: %s", containerID, path, err, stderr.String())
	}
	return nil
}

func (a *Adapter) DownloadFrom(ctx context.Context, containerID, path string) ([]byte, error) {
	exec, err := a.execFor(containerID, []string{"cat", path})
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("clusteradapter: download %s:%s: %w: %s", containerID, path, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (a *Adapter) execFor(podName string, command []string) (remotecommand.Executor, error) {
	req := a.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(a.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: command,
			Stdin:   true,
			Stdout:  true,
			Stderr:  true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(a.restCfg, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("clusteradapter: build exec for pod %s: %w", podName, err)
	}
	return exec, nil
}

func shellQuote(path string) string {
	return "'" + path + "'"
}
