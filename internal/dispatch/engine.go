// Package dispatch implements the spec §4.4 protocol: forward execute
// requests to a session's executor, track the in-flight execution with a
// watchdog, and apply terminal results via CAS. HTTP calls to the executor
// use a plain *http.Client with an explicit timeout, the same idiom the
// teacher uses for every outbound webhook/control call (e.g.
// api/internal/handlers/notifications.go, agents/k8s-agent/main.go).
package dispatch

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sandboxctl/control-plane/internal/apperrors"
	"github.com/sandboxctl/control-plane/internal/cache"
	"github.com/sandboxctl/control-plane/internal/events"
	"github.com/sandboxctl/control-plane/internal/logger"
	"github.com/sandboxctl/control-plane/internal/model"
	"github.com/sandboxctl/control-plane/internal/store"
)

// AddressResolver maps a session to the base URL of its executor's internal
// HTTP daemon. Implemented at composition-root time against whichever
// backend.Port is active (container IP for docker, pod IP/service for
// cluster).
type AddressResolver interface {
	ExecutorURL(ctx context.Context, sessionID string) (string, error)
}

// ExecuteRequest is the REST payload for POST /api/v1/executions/sessions/{id}/execute.
type ExecuteRequest struct {
	Code     string            `json:"code"`
	Language string            `json:"language"`
	Timeout  int               `json:"timeout"`
	Event    json.RawMessage   `json:"event,omitempty"`
	EnvVars  map[string]string `json:"env_vars,omitempty"`
}

// ResultCallback is the executor's POST /internal/executions/{id}/result
// body (spec §4.4 step 6).
type ResultCallback struct {
	Status       model.ExecutionStatus    `json:"status"`
	ExitCode     *int                     `json:"exit_code,omitempty"`
	ErrorMessage string                   `json:"error_message,omitempty"`
	Stdout       string                   `json:"stdout,omitempty"`
	Stderr       string                   `json:"stderr,omitempty"`
	Artifacts    []model.ArtifactMetadata `json:"artifacts,omitempty"`
	Metrics      model.Metrics            `json:"metrics"`
	ReturnValue  json.RawMessage          `json:"return_value,omitempty"`
	Attempt      int                      `json:"attempt"`
}

const watchdogGrace = 10 * time.Second

// Engine implements the dispatch protocol and doubles as the scheduler's
// ReadinessWaiter/DependencyInstaller.
type Engine struct {
	store      *store.Store
	sessions   *store.SessionStore
	executions *store.ExecutionStore
	resolver   AddressResolver
	token      func(sessionID string) string
	httpClient *http.Client
	activity   *cache.ActivityCache
	events     *events.Bus
	hub        *controlHub

	mu        sync.Mutex
	watchdogs map[string]*time.Timer
	ready     map[string]chan struct{}
}

// New builds a dispatch Engine. token mints the bearer token a session's
// executor expects on every internal call. st gives HandleResult the
// row-locked session transition it needs to self-terminate ephemeral
// sessions, the same store.WithSessionLock discipline
// handlers.transitionSession uses.
func New(st *store.Store, resolver AddressResolver, token func(sessionID string) string) *Engine {
	return &Engine{
		store:      st,
		sessions:   st.Sessions,
		executions: st.Executions,
		resolver:   resolver,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		hub:        newControlHub(),
		watchdogs:  map[string]*time.Timer{},
		ready:      map[string]chan struct{}{},
	}
}

// RegisterControlConn attaches an executor's optional control-channel
// websocket for sessionID, replacing any prior connection. Called by the
// internal WebSocket upgrade handler once a dial from the executor's side
// (internal/executorrunner) has been accepted.
func (e *Engine) RegisterControlConn(sessionID string, conn *websocket.Conn) {
	e.hub.register(sessionID, conn)
}

// UnregisterControlConn detaches conn if it is still sessionID's active
// connection; called when the upgrade handler's read pump exits.
func (e *Engine) UnregisterControlConn(sessionID string, conn *websocket.Conn) {
	e.hub.unregister(sessionID, conn)
}

// CancelRunning pushes a best-effort "cancel" message over the session's
// control channel, if one is connected. It reports whether a connection was
// reached; the caller (handlers.DeleteSession) still runs the authoritative
// backend teardown regardless, so a false return changes nothing beyond
// losing the head start an early in-process cancel would have given.
func (e *Engine) CancelRunning(sessionID string) bool {
	return e.hub.push(sessionID, controlMessage{Type: "cancel"})
}

// SetActivityCache attaches an optional write-through activity cache (spec
// §6.4's "activity / idle-clock cache"). When unset, Submit relies solely on
// the session store's TouchActivity.
func (e *Engine) SetActivityCache(a *cache.ActivityCache) { e.activity = a }

// SetEventBus attaches an optional domain event publisher; unset means
// execution-result events are simply never published.
func (e *Engine) SetEventBus(b *events.Bus) { e.events = b }

// Submit runs spec §4.4 steps 1-5: validate, enforce the ephemeral
// at-most-one-in-flight rule, persist PENDING, touch activity, POST to the
// executor, transition to RUNNING, and arm the watchdog.
func (e *Engine) Submit(ctx context.Context, session *model.Session, req ExecuteRequest) (*model.Execution, error) {
	if len(req.Code) > model.MaxCodeBytes {
		return nil, apperrors.InvalidRequest("code exceeds the 1 MiB limit")
	}
	if !model.SupportedLanguages[req.Language] {
		return nil, apperrors.InvalidRequest(fmt.Sprintf("unsupported language %q", req.Language))
	}
	if req.Timeout < 1 || req.Timeout > 3600 {
		return nil, apperrors.InvalidRequest("timeout must be in range 1..3600 seconds")
	}

	if session.Mode == model.ModeEphemeral {
		n, err := e.executions.RunningInSession(ctx, session.ID)
		if err != nil {
			return nil, apperrors.Internal(err)
		}
		if n > 0 {
			return nil, apperrors.Conflict("an execution is already in flight on this ephemeral session")
		}
	}

	ex := &model.Execution{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Status:    model.ExecutionPending,
		Code:      req.Code,
		Language:  req.Language,
		Timeout:   req.Timeout,
		Event:     req.Event,
	}
	if err := e.executions.Create(ctx, ex); err != nil {
		return nil, apperrors.Internal(err)
	}

	if err := e.sessions.TouchActivity(ctx, session.ID); err != nil {
		logger.Dispatch().Warn().Err(err).Str("session_id", session.ID).Msg("touch activity failed")
	}
	if e.activity != nil {
		if err := e.activity.Touch(ctx, session.ID, time.Now()); err != nil {
			logger.Dispatch().Warn().Err(err).Str("session_id", session.ID).Msg("activity cache touch failed")
		}
	}

	execURL, err := e.resolver.ExecutorURL(ctx, session.ID)
	if err != nil {
		return nil, apperrors.ExecutorUnreachable(err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"execution_id": ex.ID,
		"session_id":   session.ID,
		"code":         req.Code,
		"language":     req.Language,
		"timeout":      req.Timeout,
		"event":        req.Event,
		"env_vars":     req.EnvVars,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, execURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.token(session.ID))

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.ExecutorUnreachable(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return nil, apperrors.ExecutorUnreachable(fmt.Errorf("executor returned status %d", resp.StatusCode))
	}

	if err := e.executions.TransitionToRunning(ctx, ex.ID); err != nil {
		return nil, apperrors.Internal(err)
	}
	ex.Status = model.ExecutionRunning

	e.startWatchdog(ex.ID, session.ID, time.Duration(req.Timeout)*time.Second+watchdogGrace)

	logger.Dispatch().Info().Str("execution_id", ex.ID).Str("session_id", session.ID).Msg("execution dispatched")
	return ex, nil
}

func (e *Engine) startWatchdog(executionID, sessionID string, after time.Duration) {
	timer := time.AfterFunc(after, func() { e.fireWatchdog(executionID, sessionID) })
	e.mu.Lock()
	e.watchdogs[executionID] = timer
	e.mu.Unlock()
}

func (e *Engine) cancelWatchdog(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.watchdogs[executionID]; ok {
		t.Stop()
		delete(e.watchdogs, executionID)
	}
}

// fireWatchdog implements spec §4.4 step 7: probe /health, attribute CRASHED
// or TIMEOUT, and apply it via the same CAS path a real callback uses so a
// late-arriving callback still loses fairly.
func (e *Engine) fireWatchdog(executionID, sessionID string) {
	e.mu.Lock()
	delete(e.watchdogs, executionID)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ex, err := e.executions.Get(ctx, executionID)
	if err != nil {
		logger.Dispatch().Error().Err(err).Str("execution_id", executionID).Msg("watchdog: load execution failed")
		return
	}
	if ex.Status.IsTerminal() {
		return
	}

	if e.probeHealth(ctx, sessionID) {
		ex.Status = model.ExecutionTimeout
		ex.ErrorMessage = "no result callback received within timeout"
	} else {
		ex.Status = model.ExecutionCrashed
		ex.ErrorMessage = "executor unreachable at watchdog deadline"
	}

	if _, err := e.executions.CompareAndSetTerminal(ctx, ex); err != nil {
		logger.Dispatch().Error().Err(err).Str("execution_id", executionID).Msg("watchdog CAS failed")
	}
}

// CheckHealth exposes the watchdog's own /health probe for the operator
// on-demand endpoint (spec §6.1 "POST /sessions/{id}/heartbeat-check").
func (e *Engine) CheckHealth(ctx context.Context, sessionID string) bool {
	return e.probeHealth(ctx, sessionID)
}

func (e *Engine) probeHealth(ctx context.Context, sessionID string) bool {
	url, err := e.resolver.ExecutorURL(ctx, sessionID)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// HandleResult applies an executor's result callback (spec §4.4 step 6),
// cancelling the watchdog and CAS-ing the terminal status in. A second
// callback for an execution that already left RUNNING is accepted as a
// no-op (applied=false), matching the idempotency contract of spec §4.4/§5.
func (e *Engine) HandleResult(ctx context.Context, executionID string, cb ResultCallback) (applied bool, err error) {
	e.cancelWatchdog(executionID)

	ex, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return false, err
	}

	ex.Status = cb.Status
	ex.ExitCode = cb.ExitCode
	ex.ErrorMessage = cb.ErrorMessage
	ex.Stdout = model.Truncate(cb.Stdout, model.MaxStdoutBytes)
	ex.Stderr = model.Truncate(cb.Stderr, model.MaxStderrBytes)
	ex.Artifacts = cb.Artifacts
	ex.Metrics = cb.Metrics
	ex.ReturnValue = cb.ReturnValue
	ex.Attempt = cb.Attempt

	applied, err = e.executions.CompareAndSetTerminal(ctx, ex)
	if err != nil {
		return false, apperrors.Internal(err)
	}
	if !applied {
		logger.Dispatch().Info().Str("execution_id", executionID).Msg("ignoring result callback for execution no longer RUNNING")
		return false, nil
	}

	if e.events != nil {
		if err := e.events.PublishExecutionResult(events.ExecutionResultEvent{
			EventID:     uuid.New().String(),
			Timestamp:   time.Now(),
			ExecutionID: ex.ID,
			SessionID:   ex.SessionID,
			Status:      string(ex.Status),
			ExitCode:    ex.ExitCode,
		}); err != nil {
			logger.Dispatch().Warn().Err(err).Str("execution_id", executionID).Msg("failed to publish execution result event")
		}
	}

	if err := e.completeEphemeralSession(ctx, ex.SessionID); err != nil {
		logger.Dispatch().Warn().Err(err).Str("session_id", ex.SessionID).Msg("failed to self-terminate ephemeral session after its execution completed")
	}

	return true, nil
}

// completeEphemeralSession implements spec §3/§4.1's "ephemeral sessions
// self-terminate after their sole execution completes": once that
// execution's result has been applied, an ephemeral session still RUNNING
// moves straight to COMPLETED under the same row lock
// handlers.transitionSession uses for request-driven transitions.
func (e *Engine) completeEphemeralSession(ctx context.Context, sessionID string) error {
	return e.store.WithSessionLock(ctx, sessionID, func(tx *sql.Tx) error {
		sess, err := store.GetTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Mode != model.ModeEphemeral || !model.CanTransition(sess.Status, model.SessionCompleted) {
			return nil
		}
		now := time.Now()
		sess.Status = model.SessionCompleted
		sess.CompletedAt = &now
		return store.UpdateTx(ctx, tx, sess)
	})
}

// NotifyReady records a container_ready callback for a session, waking any
// in-progress WaitReady call (spec §4.2 step 4, option (a)).
func (e *Engine) NotifyReady(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := e.readyChanLocked(sessionID)
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (e *Engine) readyChanLocked(sessionID string) chan struct{} {
	ch, ok := e.ready[sessionID]
	if !ok {
		ch = make(chan struct{})
		e.ready[sessionID] = ch
	}
	return ch
}

// WaitReady implements scheduler.ReadinessWaiter: it returns as soon as
// either a container_ready callback arrives or a /health poll succeeds,
// whichever is first (spec §4.2 step 4).
func (e *Engine) WaitReady(ctx context.Context, sessionID string, timeout time.Duration) error {
	e.mu.Lock()
	ch := e.readyChanLocked(sessionID)
	e.mu.Unlock()

	deadline := time.Now().Add(timeout)
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			if e.probeHealth(ctx, sessionID) {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("dispatch: executor for session %s did not become ready within %s", sessionID, timeout)
			}
		}
	}
}

// InstallDependencies forwards a package list to the executor's
// package-install endpoint (spec §4.2 step 5), satisfying
// scheduler.DependencyInstaller.
func (e *Engine) InstallDependencies(ctx context.Context, sessionID string, packages []string, timeout time.Duration) error {
	url, err := e.resolver.ExecutorURL(ctx, sessionID)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]interface{}{"packages": packages})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/install", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token(sessionID))

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dependency install failed with status %d: %s", resp.StatusCode, string(data))
	}
	return nil
}
