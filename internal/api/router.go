// Package api assembles the Gin engine: middleware chain, public REST
// routes (spec §6.1) and internal executor-callback routes (spec §6.2).
// Grounded on api/cmd/main.go's setupRoutes, trimmed to this repo's much
// smaller, role-free route table.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/sandboxctl/control-plane/internal/api/handlers"
	"github.com/sandboxctl/control-plane/internal/api/middleware"
	"github.com/sandboxctl/control-plane/internal/auth"
)

// NewRouter builds the full Gin engine. tokenValidator guards every
// /internal route; rateLimiter guards every public route.
func NewRouter(h *handlers.Handler, tokenValidator *auth.TokenValidator, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Recovery(), middleware.AccessLog())

	public := r.Group("/api/v1")
	public.Use(rateLimiter.Middleware())
	{
		public.GET("/health", h.Health)
		public.GET("/health/detailed", h.HealthDetailed)

		public.POST("/sessions", h.CreateSession)
		public.GET("/sessions", h.ListSessions)
		public.GET("/sessions/:id", h.GetSession)
		public.DELETE("/sessions/:id", h.DeleteSession)
		public.POST("/sessions/:id/files/upload", h.UploadFile)
		public.GET("/sessions/:id/files/*path", h.DownloadFile)
		public.POST("/sessions/:id/heartbeat-check", h.HeartbeatCheck)

		public.POST("/executions/sessions/:id/execute", h.SubmitExecution)
		public.GET("/executions/sessions/:id/executions", h.ListSessionExecutions)
		public.GET("/executions/:id/status", h.GetExecutionStatus)
		public.GET("/executions/:id/result", h.GetExecutionResult)

		public.GET("/templates", h.ListTemplates)
		public.GET("/templates/:id", h.GetTemplate)
		public.GET("/templates/:id/sessions", h.ListTemplateSessions)
		public.POST("/templates", h.CreateTemplate)
		public.PUT("/templates/:id", h.UpdateTemplate)
		public.DELETE("/templates/:id", h.DeleteTemplate)
	}

	internal := r.Group("/internal")
	internal.Use(auth.RequireInternalToken(tokenValidator))
	{
		internal.POST("/containers/ready", h.ContainerReady)
		internal.POST("/containers/exited", h.ContainerExited)
		internal.POST("/executions/:id/result", h.ExecutionResult)
		internal.POST("/executions/:id/heartbeat", h.ExecutionHeartbeat)
		internal.GET("/executors/:id/control", h.ExecutorControlChannel)
	}

	return r
}
