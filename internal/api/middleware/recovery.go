package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandboxctl/control-plane/internal/apperrors"
	"github.com/sandboxctl/control-plane/internal/logger"
)

// Recovery turns a panicking handler into a 500 INTERNAL response instead of
// killing the process, the same role api/cmd/main.go's gin.Recovery() plays,
// but rendered through this repo's error envelope instead of gin's default
// plain-text body.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				requestID := GetRequestID(c)
				logger.HTTP().Error().Interface("panic", rec).Str("request_id", requestID).
					Str("path", c.Request.URL.Path).Msg("recovered from panic in handler")
				c.AbortWithStatusJSON(http.StatusInternalServerError, apperrors.Response{
					ErrorCode:   string(apperrors.KindInternal),
					Description: "an internal error occurred",
					Solution:    "contact the operator if this persists",
					RequestID:   requestID,
				})
			}
		}()
		c.Next()
	}
}
