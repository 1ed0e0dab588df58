package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, enabled bool) (*gin.Engine, *AuthService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)
	require.NoError(t, svc.CreateUser(context.Background(), "root", "hunter2"))

	mw := NewMiddleware(svc, enabled)
	g := gin.New()
	g.Use(mw.GinAuth())
	g.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return g, svc
}

func TestGinAuthPassesThroughWhenDisabled(t *testing.T) {
	g, _ := newTestRouter(t, false)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGinAuthRejectsMissingCredentials(t *testing.T) {
	g, _ := newTestRouter(t, true)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGinAuthAcceptsBasicCredentials(t *testing.T) {
	g, _ := newTestRouter(t, true)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.SetBasicAuth("root", "hunter2")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
