package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health implements GET /api/v1/health: a cheap liveness probe that never
// touches the database or backend.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HealthDetailed implements GET /api/v1/health/detailed: checks the
// database and container backend, returning 503 if either is unreachable
// (spec §6.1 status codes, "503 dependency down").
func (h *Handler) HealthDetailed(c *gin.Context) {
	ctx := c.Request.Context()
	deps := gin.H{}
	healthy := true

	if err := h.Store.DB().PingContext(ctx); err != nil {
		deps["database"] = "unreachable: " + err.Error()
		healthy = false
	} else {
		deps["database"] = "ok"
	}

	if _, err := h.Backend.ListNodes(ctx); err != nil {
		deps["backend"] = "unreachable: " + err.Error()
		healthy = false
	} else {
		deps["backend"] = "ok"
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "dependencies": deps})
}
