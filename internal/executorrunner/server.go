package executorrunner

import (
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sandboxctl/control-plane/internal/logger"
)

// Router builds the executor's HTTP surface: /health for the control
// plane's watchdog probe and readiness poll, /execute
// for dispatch, /install for dependency provisioning (spec §4.2 step 5).
// Grounded on the control plane's own internal/api/router.go shape, the
// same gin.New()+middleware idiom reused in the opposite direction.
func (r *Runner) Router() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery())

	e.GET("/health", r.handleHealth)
	e.POST("/execute", r.handleExecute)
	e.POST("/install", r.handleInstall)

	return e
}

func (r *Runner) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleExecute implements spec §4.5's "/execute endpoint": enqueue and
// return 202 immediately, or 503 once the backlog exceeds maxQueueDepth.
func (r *Runner) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	j := &job{req: req, queuedAt: time.Now()}
	select {
	case r.work <- j:
		c.JSON(http.StatusAccepted, gin.H{"execution_id": req.ExecutionID, "status": "running"})
	default:
		logger.Executor().Warn().Str("execution_id", req.ExecutionID).Msg("queue saturated, rejecting execute request")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "executor queue saturated"})
	}
}

type installRequest struct {
	Packages []string `json:"packages"`
}

// handleInstall runs a best-effort package install for the session's
// runtime kind. It blocks the caller (the dispatch engine's
// InstallDependencies, which itself applies its own timeout) rather than
// queuing, since this always runs before any code execution begins.
func (r *Runner) handleInstall(c *gin.Context) {
	var req installRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Packages) == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	name, args := installCommand(r.cfg.RuntimeKind, req.Packages)
	if name == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unsupported runtime kind for dependency install: " + r.cfg.RuntimeKind})
		return
	}

	ctx := c.Request.Context()
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		logger.Executor().Error().Err(err).Str("output", string(out)).Msg("dependency install failed")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "install failed: " + err.Error(), "output": string(out)})
		return
	}
	c.Status(http.StatusNoContent)
}

// installCommand maps a runtime kind to its package manager invocation.
func installCommand(runtimeKind string, packages []string) (string, []string) {
	switch strings.ToLower(runtimeKind) {
	case "python":
		return "pip", append([]string{"install", "--no-input"}, packages...)
	case "javascript", "node", "nodejs":
		return "npm", append([]string{"install"}, packages...)
	default:
		return "", nil
	}
}
