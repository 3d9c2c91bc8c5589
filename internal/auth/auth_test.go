package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_DisabledAllowsEverything(t *testing.T) {
	g := NewGuard("")
	assert.False(t, g.Enabled())

	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	assert.True(t, g.Authorized(r))
}

func TestGuard_BootstrapSetsCookie(t *testing.T) {
	g := NewGuard("secret-token")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/auth?token=secret-token", nil)
	g.HandleBootstrap(w, r)

	resp := w.Result()
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, CookieName, c.Name)
	assert.Equal(t, "secret-token", c.Value)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
}

func TestGuard_BootstrapIsIdempotent(t *testing.T) {
	g := NewGuard("secret-token")

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/auth?token=secret-token", nil)
		g.HandleBootstrap(w, r)
		require.Equal(t, http.StatusFound, w.Result().StatusCode)
	}
}

func TestGuard_BootstrapRejectsWrongToken(t *testing.T) {
	g := NewGuard("secret-token")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/auth?token=nope", nil)
	g.HandleBootstrap(w, r)

	resp := w.Result()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "unauthorized", string(body))
	assert.Empty(t, resp.Cookies())
}

func TestGuard_MiddlewareGatesRequests(t *testing.T) {
	g := NewGuard("secret-token")
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: "secret-token"})
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: "forged"})
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)
}
