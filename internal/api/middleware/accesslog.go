package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sandboxctl/control-plane/internal/logger"
)

// AccessLog emits one structured line per request through rs/zerolog,
// matching the teacher's StructuredLogger middleware in api/cmd/main.go.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		logger.HTTP().Info().
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}
