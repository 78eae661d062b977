package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sandboxctl/control-plane/internal/apperrors"
	"github.com/sandboxctl/control-plane/internal/logger"
)

// RequireInternalToken returns Gin middleware guarding the internal
// executor-callback routes (spec §6.2), modeled on
// api/internal/middleware/agent_auth.go's RequireAPIKey: extract, validate,
// set context, reject with the standard error envelope otherwise.
func RequireInternalToken(v *TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" || !v.Validate(token) {
			requestID := c.GetString("request_id")
			resp := apperrors.Response{
				ErrorCode:   "UNAUTHORIZED",
				Description: "missing or invalid internal API token",
				Solution:    "set a valid Authorization: Bearer <INTERNAL_API_TOKEN> header",
				RequestID:   requestID,
			}
			logger.HTTP().Warn().Str("request_id", requestID).Str("path", c.Request.URL.Path).Msg("internal callback rejected: bad token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, resp)
			return
		}
		c.Set("internal_auth", true)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
