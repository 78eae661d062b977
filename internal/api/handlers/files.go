package handlers

import (
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sandboxctl/control-plane/internal/apperrors"
	"github.com/sandboxctl/control-plane/internal/model"
)

// UploadFile implements POST /api/v1/sessions/{id}/files/upload?path=…
// (spec §6.1), copying a multipart file into the session's container
// workspace via backend.Port.UploadInto, grounded on
// api/internal/handlers/console.go's UploadFile but targeting a container
// path instead of a host filesystem path.
func (h *Handler) UploadFile(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := h.Store.Sessions.Get(ctx, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if sess.Status != model.SessionRunning {
		renderError(c, apperrors.Conflict("session "+sess.ID+" is not RUNNING"))
		return
	}

	targetPath, err := cleanWorkspacePath(c.Query("path"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "no file uploaded")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		renderError(c, apperrors.Internal(err))
		return
	}

	full := path.Join(targetPath, header.Filename)
	if err := h.Backend.UploadInto(ctx, sess.ContainerID, full, content); err != nil {
		renderError(c, apperrors.ExecutorUnreachable(err))
		return
	}

	ok(c, gin.H{
		"path":          full,
		"bytes_written": len(content),
	})
}

// DownloadFile implements GET /api/v1/sessions/{id}/files/{path}.
func (h *Handler) DownloadFile(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := h.Store.Sessions.Get(ctx, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}

	targetPath, err := cleanWorkspacePath(c.Param("path"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	content, err := h.Backend.DownloadFrom(ctx, sess.ContainerID, targetPath)
	if err != nil {
		renderError(c, apperrors.ExecutorUnreachable(err))
		return
	}

	c.Data(http.StatusOK, "application/octet-stream", content)
}

// cleanWorkspacePath rejects empty paths and normalizes the rest against a
// synthetic root so no "../" sequence can walk above the workspace, the
// same intent as api/internal/handlers/console.go's filepath.Clean +
// strings.HasPrefix guard against the session's base path. Anchoring at "/"
// before path.Clean means Clean itself absorbs any leading ".." rather than
// letting one escape, so there is no separate post-hoc rejection step.
func cleanWorkspacePath(p string) (string, error) {
	if p == "" {
		return "", errPathRequired
	}
	return strings.TrimPrefix(path.Clean("/"+p), "/"), nil
}

var errPathRequired = apperrors.InvalidRequest("path is required")
