package handlers

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/vidyavaradhi/apiserver/internal/session"
	"github.com/vidyavaradhi/apiserver/types"
)

const (
	loginPath        = "/login"
	unauthorizedPath = "/unauthorized"
)

// SessionSource resolves a token to a verified session.
type SessionSource interface {
	CurrentUser(ctx context.Context, token string) (types.Session, bool)
}

// RequireRole guards role-scoped pages. Without a session the client is sent
// to the login page with a returnTo hint; with the wrong role it is sent to
// /unauthorized.
func RequireRole(sessions SessionSource, cookie session.Cookie, role types.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := sessions.CurrentUser(r.Context(), cookie.Token(r))
			if !ok {
				target := loginPath + "?" + url.Values{"returnTo": {r.URL.Path}}.Encode()
				http.Redirect(w, r, target, http.StatusFound)
				return
			}
			if sess.Role != role {
				http.Redirect(w, r, unauthorizedPath, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
		})
	}
}

// PageResponse is what a role page returns in place of a rendered dashboard.
type PageResponse struct {
	Page string           `json:"page"`
	Role types.Role       `json:"role"`
	User types.PublicUser `json:"user"`
}

// PagesRouter mounts /learner, /trainer and /policymaker behind RequireRole.
func PagesRouter(r chi.Router, sessions SessionSource, cookie session.Cookie) {
	for _, role := range types.Roles {
		r.Route("/"+string(role), func(r chi.Router) {
			r.Use(RequireRole(sessions, cookie, role))
			r.Get("/*", Page)
		})
	}
	r.Get(unauthorizedPath, Unauthorized)
}

// Page echoes the session user for the requested page.
func Page(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, PageResponse{Page: r.URL.Path, Role: sess.Role, User: sess.User()})
}

func Unauthorized(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusForbidden, "You do not have access to this page")
}
