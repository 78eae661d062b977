// Package executorrunner implements the in-container executor daemon: a
// long-lived HTTP server that accepts one execution at a time, runs it under
// OS-level process isolation, and reports results back to the control
// plane. Grounded on the teacher's docker-agent main.go composition shape
// (a single long-lived process, HTTP client for every outbound call) and
// on the process-timeout/zombie-prevention pattern other_examples' Vortex
// process_runner.go demonstrates, adapted here to run arbitrary user code
// under bwrap instead of a fixed runtime binary.
package executorrunner

import (
	"encoding/json"
	"net/http"
	"os/exec"
	"sync"
	"time"
)

// Config is the executor's env-driven configuration, the in-container
// counterpart of the control plane's closed env-var surface (spec §6.4).
type Config struct {
	SessionID         string
	ControlPlaneURL   string
	InternalAPIToken  string
	WorkspacePath     string
	ExecutorPort      int
	RuntimeKind       string
	DisableBwrap      bool
	HeartbeatInterval time.Duration
}

// maxQueueDepth is the spec §5 "/execute queues additional calls and
// returns 503 if queue depth exceeds 10" cap.
const maxQueueDepth = 10

// executeRequest is the payload dispatch.Engine.Submit POSTs to /execute.
type executeRequest struct {
	ExecutionID string            `json:"execution_id"`
	SessionID   string            `json:"session_id"`
	Code        string            `json:"code"`
	Language    string            `json:"language"`
	Timeout     int               `json:"timeout"`
	Event       json.RawMessage   `json:"event"`
	EnvVars     map[string]string `json:"env_vars"`
}

// job is one queued or active execution.
type job struct {
	req      executeRequest
	queuedAt time.Time
}

// Runner is the executor daemon's core state: a bounded backlog feeding a
// single worker (one execution in flight, per spec §5), the HTTP client
// used for every callback to the control plane, and the detected isolation
// binary path.
type Runner struct {
	cfg       Config
	client    *http.Client
	bwrapPath string

	work chan *job

	mu           sync.Mutex
	active       *job
	activeCancel func()
}

// New builds a Runner, detecting the OS isolation binary unless the
// operator has explicitly disabled it. Spec §4.5: "exit non-zero on
// missing tool" unless DISABLE_BWRAP=true.
func New(cfg Config) (*Runner, error) {
	r := &Runner{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		work:   make(chan *job, maxQueueDepth),
	}
	if cfg.DisableBwrap {
		return r, nil
	}
	path, err := exec.LookPath("bwrap")
	if err != nil {
		return nil, errNoIsolation(err)
	}
	r.bwrapPath = path
	return r, nil
}

// queueDepth reports how many jobs (active + backlog) are outstanding.
func (r *Runner) queueDepth() int {
	r.mu.Lock()
	n := len(r.work)
	if r.active != nil {
		n++
	}
	r.mu.Unlock()
	return n
}

func (r *Runner) setActive(j *job) {
	r.mu.Lock()
	r.active = j
	r.mu.Unlock()
}

func (r *Runner) clearActive() {
	r.mu.Lock()
	r.active = nil
	r.activeCancel = nil
	r.mu.Unlock()
}

// setCancel records the cancel func for the job currently running, letting
// a control-channel "cancel" message reach it without runJob's caller
// threading a channel through.
func (r *Runner) setCancel(cancel func()) {
	r.mu.Lock()
	r.activeCancel = cancel
	r.mu.Unlock()
}

// cancelActive invokes the active job's cancel func, if any. A stray cancel
// with nothing running, or one that arrives after the job already finished,
// is a no-op.
func (r *Runner) cancelActive() {
	r.mu.Lock()
	cancel := r.activeCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ActiveExecutionID returns the execution id currently running, or "" if
// the executor is idle. Used by the SIGTERM handler to mark the in-flight
// execution CRASHED before exiting.
func (r *Runner) ActiveExecutionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.req.ExecutionID
}

func errNoIsolation(cause error) error {
	return &isolationError{cause: cause}
}

type isolationError struct{ cause error }

func (e *isolationError) Error() string {
	return "executorrunner: no OS-level isolation binary (bwrap) found and DISABLE_BWRAP is not set: " + e.cause.Error()
}

func (e *isolationError) Unwrap() error { return e.cause }
