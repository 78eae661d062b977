package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/sandboxctl/control-plane/internal/apperrors"
	"github.com/sandboxctl/control-plane/internal/store"
)

func newTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c, w
}

func TestRenderErrorMapsAppError(t *testing.T) {
	c, w := newTestContext()
	renderError(c, apperrors.Conflict("already terminal"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "CONFLICT")
}

func TestRenderErrorMapsStoreNotFound(t *testing.T) {
	c, w := newTestContext()
	renderError(c, store.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestRenderErrorMapsUnclassifiedErrorToInternal(t *testing.T) {
	c, w := newTestContext()
	renderError(c, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL")
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}

func TestBadRequestRendersInvalidRequest(t *testing.T) {
	c, w := newTestContext()
	badRequest(c, "missing field")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
}
