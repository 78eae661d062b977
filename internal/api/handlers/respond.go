// Package handlers implements the spec §6.1 public REST API and the §6.2
// internal executor-callback API as Gin handlers bound to the control
// plane's core collaborators (store, scheduler, dispatch engine,
// reconciler). Grounded on api/internal/api/handlers.go's texture (ctx :=
// c.Request.Context(), ShouldBindJSON, explicit status codes) adapted from
// StreamSpace's K8s-CRD session model to this repo's direct HTTP dispatch.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandboxctl/control-plane/internal/api/middleware"
	"github.com/sandboxctl/control-plane/internal/apperrors"
	"github.com/sandboxctl/control-plane/internal/logger"
	"github.com/sandboxctl/control-plane/internal/store"
)

// renderError maps any error returned by core collaborators to the spec
// §6.1/§7 JSON envelope. store.ErrNotFound leaking up uncaught is rendered
// as a 404 NotFound; *apperrors.Error carries its own kind/status; anything
// else is rendered as an opaque 500 so a forgotten error-wrap never exposes
// raw internals to a client.
func renderError(c *gin.Context, err error) {
	requestID := middleware.GetRequestID(c)

	if errors.Is(err, store.ErrNotFound) {
		err = apperrors.NotFound("resource", "")
	}

	ae, ok := apperrors.As(err)
	if !ok {
		logger.HTTP().Error().Err(err).Str("request_id", requestID).Msg("unclassified error reached the API boundary")
		ae = apperrors.Internal(err)
	}

	if ae.Kind == apperrors.KindInternal {
		logger.HTTP().Error().Err(err).Str("request_id", requestID).Msg("internal error")
	}

	c.AbortWithStatusJSON(ae.StatusCode, ae.ToResponse(requestID, false))
}

// badRequest is a convenience for handler-local validation failures that
// never reach a core collaborator (malformed JSON, missing path params).
func badRequest(c *gin.Context, description string) {
	renderError(c, apperrors.InvalidRequest(description))
}

// ok is the standard 200 helper, kept for symmetry with created/accepted.
func ok(c *gin.Context, body interface{}) { c.JSON(http.StatusOK, body) }
