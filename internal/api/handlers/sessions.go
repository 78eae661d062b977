package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sandboxctl/control-plane/internal/apperrors"
	"github.com/sandboxctl/control-plane/internal/model"
	"github.com/sandboxctl/control-plane/internal/scheduler"
	"github.com/sandboxctl/control-plane/internal/store"
)

// createSessionRequest is the POST /sessions body (spec §6.1).
type createSessionRequest struct {
	TemplateID    string             `json:"template_id" binding:"required"`
	Mode          string             `json:"mode"`
	ResourceLimit *model.ResourceLimit `json:"resource_limit"`
	Timeout       int                `json:"timeout"`
	Env           map[string]string  `json:"env"`
	Labels        map[string]string  `json:"labels"`
	Dependencies  *dependenciesInput `json:"dependencies"`
}

type dependenciesInput struct {
	Packages              []string `json:"packages"`
	InstallTimeoutSeconds int      `json:"install_timeout_seconds"`
	FailOnDependencyError bool     `json:"fail_on_dependency_error"`
	AllowVersionConflicts bool     `json:"allow_version_conflicts"`
}

// CreateSession implements POST /api/v1/sessions: validate against the
// named template, persist a PENDING row, run the scheduler, and return the
// RUNNING session or a terminal failure (spec §4.1, §4.2).
func (h *Handler) CreateSession(c *gin.Context) {
	ctx := c.Request.Context()

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request body: "+err.Error())
		return
	}

	mode := model.SessionMode(req.Mode)
	if mode == "" {
		mode = model.ModeEphemeral
	}
	if mode != model.ModeEphemeral && mode != model.ModePersistent {
		badRequest(c, "mode must be \"ephemeral\" or \"persistent\"")
		return
	}

	tpl, err := h.Store.Templates.Get(ctx, req.TemplateID)
	if err != nil {
		renderError(c, err)
		return
	}
	if !tpl.Active {
		renderError(c, apperrors.InvalidRequest("template "+req.TemplateID+" is not active"))
		return
	}

	limit := tpl.DefaultLimit
	if req.ResourceLimit != nil {
		limit = *req.ResourceLimit
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = tpl.DefaultTimeout
	}
	if timeout < 1 || timeout > int(h.Settings.MaxTimeout.Seconds()) {
		renderError(c, apperrors.InvalidRequest("timeout must be in range 1.."+h.Settings.MaxTimeout.String()))
		return
	}

	env := req.Env
	if env == nil {
		env = map[string]string{}
	}
	for k, v := range tpl.DefaultEnv {
		if _, set := env[k]; !set {
			env[k] = v
		}
	}

	sess := &model.Session{
		ID:             uuid.New().String(),
		TemplateID:     tpl.ID,
		Mode:           mode,
		Status:         model.SessionPending,
		ResourceLimit:  limit,
		RuntimeKind:    tpl.RuntimeKind,
		Env:            env,
		Labels:         req.Labels,
		TimeoutSeconds: timeout,
	}
	if err := h.Store.Sessions.Create(ctx, sess); err != nil {
		renderError(c, apperrors.Internal(err))
		return
	}

	if err := h.transitionSession(ctx, sess.ID, model.SessionCreating, nil); err != nil {
		renderError(c, err)
		return
	}

	deps := scheduler.DependencySpec{}
	if req.Dependencies != nil {
		deps = scheduler.DependencySpec{
			Packages:              req.Dependencies.Packages,
			InstallTimeout:        durationOrDefault(req.Dependencies.InstallTimeoutSeconds, 120),
			FailOnDependencyError: req.Dependencies.FailOnDependencyError,
			AllowVersionConflicts: req.Dependencies.AllowVersionConflicts,
		}
	}

	result, err := h.Scheduler.Schedule(ctx, scheduler.Draft{Session: sess, Template: tpl}, deps)
	if err != nil {
		_ = h.transitionSession(ctx, sess.ID, model.SessionFailed, func(s *model.Session) {
			now := time.Now()
			s.CompletedAt = &now
		})
		renderError(c, err)
		return
	}

	if err := h.transitionSession(ctx, sess.ID, model.SessionStarting, func(s *model.Session) {
		s.NodeID = result.NodeID
		s.ContainerID = result.ContainerID
		s.WorkspacePath = result.WorkspacePath
	}); err != nil {
		renderError(c, err)
		return
	}
	if err := h.transitionSession(ctx, sess.ID, model.SessionRunning, nil); err != nil {
		renderError(c, err)
		return
	}

	final, err := h.Store.Sessions.Get(ctx, sess.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, final)
}

// ListSessions implements GET /api/v1/sessions with status/template_id
// filters and limit/offset pagination (spec §6.1).
func (h *Handler) ListSessions(c *gin.Context) {
	ctx := c.Request.Context()
	f := store.SessionFilter{
		Status:     model.SessionStatus(c.Query("status")),
		TemplateID: c.Query("template_id"),
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	}
	sessions, err := h.Store.Sessions.List(ctx, f)
	if err != nil {
		renderError(c, apperrors.Internal(err))
		return
	}
	ok(c, gin.H{"sessions": sessions})
}

// GetSession implements GET /api/v1/sessions/{id}.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.Store.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	ok(c, sess)
}

// DeleteSession implements DELETE /api/v1/sessions/{id}: terminate a
// session not already in a terminal state (spec §6.1, §4.1).
func (h *Handler) DeleteSession(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := h.Store.Sessions.Get(ctx, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if sess.Status.IsTerminal() {
		renderError(c, apperrors.Conflict("session "+sess.ID+" is already terminal"))
		return
	}
	h.Engine.CancelRunning(sess.ID)
	if err := h.Reconciler.Terminate(ctx, sess); err != nil {
		renderError(c, apperrors.Internal(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// HeartbeatCheck implements POST /api/v1/sessions/{id}/heartbeat-check: an
// operator-triggered on-demand probe of a session's executor, exposing the
// same /health check the dispatch watchdog uses internally (spec §9, the
// teacher's /health/detailed in spirit).
func (h *Handler) HeartbeatCheck(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := h.Store.Sessions.Get(ctx, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	reachable := h.Engine.CheckHealth(ctx, sess.ID)
	ok(c, gin.H{"session_id": sess.ID, "reachable": reachable})
}

// transitionSession moves a session to `to` under the row lock, applying
// mutate (if non-nil) to the in-flight row before persisting, rejecting any
// edge not allowed by model.CanTransition -- the same discipline
// internal/reconcile's terminateSession uses for reaper-driven transitions,
// reused here for request-driven ones.
func (h *Handler) transitionSession(ctx context.Context, sessionID string, to model.SessionStatus, mutate func(*model.Session)) error {
	return h.Store.WithSessionLock(ctx, sessionID, func(tx *sql.Tx) error {
		current, err := store.GetTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !model.CanTransition(current.Status, to) {
			return apperrors.Conflict("cannot move session " + sessionID + " from " + string(current.Status) + " to " + string(to))
		}
		current.Status = to
		if mutate != nil {
			mutate(current)
		}
		return store.UpdateTx(ctx, tx, current)
	})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
