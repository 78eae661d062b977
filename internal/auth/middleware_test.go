package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	return c, w
}

func TestRequireInternalTokenRejectsMissingHeader(t *testing.T) {
	v, err := NewTokenValidator("s3cr3t")
	require.NoError(t, err)

	c, w := newTestContext()
	c.Request = httptest.NewRequest(http.MethodPost, "/internal/containers/ready", nil)

	RequireInternalToken(v)(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.True(t, c.IsAborted())
}

func TestRequireInternalTokenRejectsWrongToken(t *testing.T) {
	v, err := NewTokenValidator("s3cr3t")
	require.NoError(t, err)

	c, w := newTestContext()
	c.Request = httptest.NewRequest(http.MethodPost, "/internal/containers/ready", nil)
	c.Request.Header.Set("Authorization", "Bearer wrong")

	RequireInternalToken(v)(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireInternalTokenAcceptsValidToken(t *testing.T) {
	v, err := NewTokenValidator("s3cr3t")
	require.NoError(t, err)

	c, w := newTestContext()
	c.Request = httptest.NewRequest(http.MethodPost, "/internal/containers/ready", nil)
	c.Request.Header.Set("Authorization", "Bearer s3cr3t")

	RequireInternalToken(v)(c)

	assert.False(t, c.IsAborted())
	assert.NotEqual(t, http.StatusUnauthorized, w.Code)
	authed, ok := c.Get("internal_auth")
	assert.True(t, ok)
	assert.Equal(t, true, authed)
}

func TestBearerTokenParsing(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "", bearerToken("abc"))
	assert.Equal(t, "", bearerToken(""))
	assert.Equal(t, "", bearerToken("Basic abc"))
}
