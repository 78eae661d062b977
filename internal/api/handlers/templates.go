package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sandboxctl/control-plane/internal/apperrors"
	"github.com/sandboxctl/control-plane/internal/model"
	"github.com/sandboxctl/control-plane/internal/store"
)

// templateRequest is the shared body shape for template create/update.
type templateRequest struct {
	Name           string            `json:"name" binding:"required"`
	Image          string            `json:"image" binding:"required"`
	RuntimeKind    string            `json:"runtime_kind"`
	ResourceLimit  model.ResourceLimit `json:"resource_limit"`
	DefaultTimeout int               `json:"default_timeout"`
	DefaultEnv     map[string]string `json:"default_env"`
	AllowNetwork   bool              `json:"allow_network"`
}

// ListTemplates implements GET /api/v1/templates.
func (h *Handler) ListTemplates(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	templates, err := h.Store.Templates.List(c.Request.Context(), activeOnly)
	if err != nil {
		renderError(c, apperrors.Internal(err))
		return
	}
	ok(c, gin.H{"templates": templates})
}

// GetTemplate implements GET /api/v1/templates/{id}.
func (h *Handler) GetTemplate(c *gin.Context) {
	tpl, err := h.Store.Templates.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	ok(c, tpl)
}

// ListTemplateSessions implements GET /api/v1/templates/{id}/sessions: a
// read-only projection over the session store scoped to one template,
// mirroring the teacher's joined GetUserApplications-style listing
// (api/internal/db/applications.go) adapted to this repo's template/session
// split.
func (h *Handler) ListTemplateSessions(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.Store.Templates.Get(ctx, id); err != nil {
		renderError(c, err)
		return
	}

	f := store.SessionFilter{
		TemplateID: id,
		Status:     model.SessionStatus(c.Query("status")),
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	}
	sessions, err := h.Store.Sessions.List(ctx, f)
	if err != nil {
		renderError(c, apperrors.Internal(err))
		return
	}
	ok(c, gin.H{"sessions": sessions})
}

// CreateTemplate implements POST /api/v1/templates.
func (h *Handler) CreateTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request body: "+err.Error())
		return
	}

	tpl := &model.Template{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Image:          req.Image,
		RuntimeKind:    req.RuntimeKind,
		DefaultLimit:   req.ResourceLimit,
		DefaultTimeout: req.DefaultTimeout,
		DefaultEnv:     req.DefaultEnv,
		AllowNetwork:   req.AllowNetwork,
		Active:         true,
	}
	if err := h.Store.Templates.Create(c.Request.Context(), tpl); err != nil {
		renderError(c, apperrors.InvalidRequest(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

// UpdateTemplate implements PUT /api/v1/templates/{id}. Templates are
// effectively immutable in the id/image sense once sessions reference them
// (spec §3); this writes a new row snapshot at the same id via the store's
// upsert, which existing sessions never re-read.
func (h *Handler) UpdateTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request body: "+err.Error())
		return
	}

	id := c.Param("id")
	existing, err := h.Store.Templates.Get(c.Request.Context(), id)
	if err != nil {
		renderError(c, err)
		return
	}

	tpl := &model.Template{
		ID:             id,
		Name:           req.Name,
		Image:          req.Image,
		RuntimeKind:    req.RuntimeKind,
		DefaultLimit:   req.ResourceLimit,
		DefaultTimeout: req.DefaultTimeout,
		DefaultEnv:     req.DefaultEnv,
		AllowNetwork:   req.AllowNetwork,
		Active:         existing.Active,
	}
	if err := h.Store.Templates.Create(c.Request.Context(), tpl); err != nil {
		renderError(c, apperrors.InvalidRequest(err.Error()))
		return
	}
	ok(c, tpl)
}

// DeleteTemplate implements DELETE /api/v1/templates/{id}: rejects with 409
// Conflict while any non-terminal session still references it, and
// otherwise deactivates it rather than hard-deleting it (spec §3).
func (h *Handler) DeleteTemplate(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	hasLive, err := h.Store.Templates.HasLiveSessions(ctx, id)
	if err != nil {
		renderError(c, apperrors.Internal(err))
		return
	}
	if hasLive {
		renderError(c, apperrors.Conflict("template "+id+" still has live sessions"))
		return
	}
	if err := h.Store.Templates.Deactivate(ctx, id); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
