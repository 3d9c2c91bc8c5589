// Package auth implements optional single-user authentication: a
// bootstrap token exchanged once over HTTP sets a session cookie that
// gates all protected HTTP and websocket paths.
package auth

import (
	"crypto/subtle"
	"net/http"
)

// CookieName is the session cookie set by the bootstrap exchange.
const CookieName = "session"

// Guard validates requests against the configured token. A zero-value
// guard (empty token) disables authentication entirely.
type Guard struct {
	token string
}

// NewGuard creates a guard. An empty token disables auth.
func NewGuard(token string) *Guard {
	return &Guard{token: token}
}

// Enabled reports whether authentication is configured.
func (g *Guard) Enabled() bool {
	return g.token != ""
}

// Authorized reports whether the request carries a valid session
// cookie. Always true when auth is disabled.
func (g *Guard) Authorized(r *http.Request) bool {
	if !g.Enabled() {
		return true
	}
	c, err := r.Cookie(CookieName)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(g.token)) == 1
}

// HandleBootstrap exchanges the bootstrap token for a session cookie.
// The token stays valid for the life of the process, so retrying the
// exchange reissues the same cookie.
func (g *Guard) HandleBootstrap(w http.ResponseWriter, r *http.Request) {
	if !g.Enabled() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	token := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) != 1 {
		Unauthorized(w)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    g.token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

// Middleware rejects unauthorized requests with a uniform 401.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Authorized(r) {
			Unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Unauthorized writes the uniform 401 response.
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte("unauthorized"))
}
