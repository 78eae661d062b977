package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandboxctl/control-plane/internal/apperrors"
	"github.com/sandboxctl/control-plane/internal/dispatch"
	"github.com/sandboxctl/control-plane/internal/model"
)

// SubmitExecution implements POST /api/v1/executions/sessions/{id}/execute
// (spec §6.1/§4.4): accept code, dispatch it to the session's executor, and
// return 202 with the PENDING-turned-RUNNING execution record. Dispatch is
// itself asynchronous from the caller's point of view -- the terminal
// result only arrives later via the internal callback or the watchdog.
func (h *Handler) SubmitExecution(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	sess, err := h.Store.Sessions.Get(ctx, sessionID)
	if err != nil {
		renderError(c, err)
		return
	}
	if sess.Status != model.SessionRunning {
		renderError(c, apperrors.Conflict("session "+sess.ID+" is not RUNNING"))
		return
	}

	var req dispatch.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request body: "+err.Error())
		return
	}
	if req.Timeout == 0 {
		req.Timeout = sess.TimeoutSeconds
	}

	ex, err := h.Engine.Submit(ctx, sess, req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ex)
}

// GetExecutionStatus implements GET /api/v1/executions/{id}/status: a
// lightweight poll returning only the status field set, per spec §6.1.
func (h *Handler) GetExecutionStatus(c *gin.Context) {
	ex, err := h.Store.Executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	ok(c, gin.H{
		"id":         ex.ID,
		"session_id": ex.SessionID,
		"status":     ex.Status,
		"exit_code":  ex.ExitCode,
	})
}

// GetExecutionResult implements GET /api/v1/executions/{id}/result: the
// full execution record including stdout/stderr/artifacts/return_value.
func (h *Handler) GetExecutionResult(c *gin.Context) {
	ex, err := h.Store.Executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	ok(c, ex)
}

// ListSessionExecutions implements GET
// /api/v1/executions/sessions/{id}/executions.
func (h *Handler) ListSessionExecutions(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if _, err := h.Store.Sessions.Get(ctx, sessionID); err != nil {
		renderError(c, err)
		return
	}
	executions, err := h.Store.Executions.ListBySession(ctx, sessionID)
	if err != nil {
		renderError(c, apperrors.Internal(err))
		return
	}
	ok(c, gin.H{"executions": executions})
}
