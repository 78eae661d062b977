// Package middleware holds the Gin middleware chain shared by the public and
// internal HTTP surfaces: request ids, panic recovery, structured access
// logging and per-IP rate limiting, grounded on
// api/internal/middleware/request_id.go, ratelimit.go and StreamSpace's
// broader api/cmd/main.go middleware chain.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader is the header carrying the request id both ways, matching
// the teacher's contract exactly.
const RequestIDHeader = "X-Request-ID"

// RequestIDKey is the Gin context key the id is stored under.
const RequestIDKey = "request_id"

// RequestID extracts an incoming X-Request-ID or mints a uuid, stores it on
// the context and echoes it back on the response, same shape as
// api/internal/middleware/request_id.go's RequestID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(RequestIDKey, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID reads the id RequestID() stored on the context, returning ""
// if the middleware never ran.
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
