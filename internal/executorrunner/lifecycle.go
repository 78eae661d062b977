package executorrunner

import (
	"context"
	"os"
	"time"

	"github.com/sandboxctl/control-plane/internal/logger"
)

type containerReadyBody struct {
	SessionID    string    `json:"session_id"`
	ContainerID  string    `json:"container_id"`
	ExecutorPort int       `json:"executor_port"`
	ReadyAt      time.Time `json:"ready_at"`
}

type containerExitedBody struct {
	ContainerID string    `json:"container_id"`
	ExitCode    int       `json:"exit_code"`
	ExitReason  string    `json:"exit_reason"`
	ExitedAt    time.Time `json:"exited_at"`
}

// Exit reasons recognized by the control plane (spec §4.5).
const (
	ExitNormal    = "normal"
	ExitSIGTERM   = "sigterm"
	ExitSIGKILL   = "sigkill"
	ExitOOMKilled = "oom_killed"
	ExitError     = "error"
)

// containerID is the best-effort identifier the control plane's adapters
// can resolve this process back to: both the Docker and cluster adapters
// set the container/pod hostname to the id they track (spec §9's
// container_id / pod_name convention), so the executor never needs its own
// id injected separately.
func containerID() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

// Announce implements spec §4.5's startup lifecycle hook: POST
// container_ready once /health is serving.
func (r *Runner) Announce(ctx context.Context) error {
	body := containerReadyBody{
		SessionID:    r.cfg.SessionID,
		ContainerID:  containerID(),
		ExecutorPort: r.cfg.ExecutorPort,
		ReadyAt:      time.Now(),
	}
	return r.postJSON(ctx, "/internal/containers/ready", body)
}

// Shutdown implements spec §4.5's SIGTERM hook: mark any active execution
// CRASHED via the result callback, then report container_exited, so the
// control plane learns about the exit even if its own watchdog hasn't
// fired yet.
func (r *Runner) Shutdown(ctx context.Context, reason string) {
	if id := r.ActiveExecutionID(); id != "" {
		body := resultCallbackBody{
			Status:       "CRASHED",
			ErrorMessage: "executor received SIGTERM during execution",
			Attempt:      1,
		}
		if err := r.postResult(ctx, id, body); err != nil {
			logger.Executor().Error().Err(err).Str("execution_id", id).Msg("failed to report crashed execution on shutdown")
		}
	}

	exitCode := 0
	if reason != ExitNormal {
		exitCode = 1
	}
	exited := containerExitedBody{
		ContainerID: containerID(),
		ExitCode:    exitCode,
		ExitReason:  reason,
		ExitedAt:    time.Now(),
	}
	if err := r.postJSON(ctx, "/internal/containers/exited", exited); err != nil {
		logger.Executor().Error().Err(err).Msg("failed to report container_exited on shutdown")
	}
}
