package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sandboxctl/control-plane/internal/apperrors"
	"github.com/sandboxctl/control-plane/internal/dispatch"
	"github.com/sandboxctl/control-plane/internal/model"
)

// containerReadyRequest is the POST /internal/containers/ready body (spec
// §6.2), sent once the executor's HTTP daemon is accepting requests.
type containerReadyRequest struct {
	SessionID    string    `json:"session_id" binding:"required"`
	ContainerID  string    `json:"container_id"`
	ExecutorPort int       `json:"executor_port"`
	ReadyAt      time.Time `json:"ready_at"`
}

// ContainerReady implements POST /internal/containers/ready: wakes the
// scheduler's WaitReady call blocked on this session (spec §4.2 step 4).
func (h *Handler) ContainerReady(c *gin.Context) {
	var req containerReadyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request body: "+err.Error())
		return
	}
	h.Engine.NotifyReady(req.SessionID)
	c.Status(http.StatusNoContent)
}

// containerExitedRequest is the POST /internal/containers/exited body.
type containerExitedRequest struct {
	ContainerID string    `json:"container_id" binding:"required"`
	ExitCode    int       `json:"exit_code"`
	ExitReason  string    `json:"exit_reason"`
	ExitedAt    time.Time `json:"exited_at"`
}

// ContainerExited implements POST /internal/containers/exited: the
// executor's container-lifecycle daemon reporting its own process exit,
// independent of any execution outcome. Used when a container dies for a
// reason the control plane's own watchdog has not yet detected (OOM kill,
// host eviction).
func (h *Handler) ContainerExited(c *gin.Context) {
	ctx := c.Request.Context()
	var req containerExitedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request body: "+err.Error())
		return
	}

	sess, err := h.Store.Sessions.GetByContainerID(ctx, req.ContainerID)
	if err != nil {
		renderError(c, err)
		return
	}
	if sess.Status.IsTerminal() {
		c.Status(http.StatusNoContent)
		return
	}

	to := model.SessionFailed
	if req.ExitCode == 0 {
		to = model.SessionTerminated
	}
	if err := h.transitionSession(ctx, sess.ID, to, func(s *model.Session) {
		now := time.Now()
		s.CompletedAt = &now
	}); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ExecutionResult implements POST /internal/executions/{id}/result (spec
// §4.4 step 6), applying the executor's terminal callback through the
// dispatch engine's CAS path.
func (h *Handler) ExecutionResult(c *gin.Context) {
	ctx := c.Request.Context()
	var cb dispatch.ResultCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		badRequest(c, "malformed request body: "+err.Error())
		return
	}

	applied, err := h.Engine.HandleResult(ctx, c.Param("id"), cb)
	if err != nil {
		renderError(c, err)
		return
	}
	ok(c, gin.H{"applied": applied})
}

// executionHeartbeatRequest is the POST /internal/executions/{id}/heartbeat
// body (spec §6.2).
type executionHeartbeatRequest struct {
	Timestamp time.Time       `json:"timestamp"`
	Progress  *float64        `json:"progress,omitempty"`
}

// ExecutionHeartbeat implements POST /internal/executions/{id}/heartbeat.
// The reaper's own liveness check (spec §4.6) relies on backend.Port.Inspect
// rather than a stored heartbeat timestamp, so this endpoint's only
// obligation is to keep the session's idle clock from expiring under a
// long-running execution; it does not feed the watchdog directly.
func (h *Handler) ExecutionHeartbeat(c *gin.Context) {
	ctx := c.Request.Context()
	var req executionHeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request body: "+err.Error())
		return
	}

	ex, err := h.Store.Executions.Get(ctx, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if err := h.Store.Sessions.TouchActivity(ctx, ex.SessionID); err != nil {
		renderError(c, apperrors.Internal(err))
		return
	}
	c.Status(http.StatusNoContent)
}
