package session

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

const DefaultCookieName = "session"

// Cookie writes and reads the session cookie. Path defaults to "/".
type Cookie struct {
	Name   string
	Path   string
	Secure bool
	MaxAge time.Duration
}

func (c Cookie) name() string {
	if c.Name == "" {
		return DefaultCookieName
	}
	return c.Name
}

func (c Cookie) path() string {
	if c.Path == "" {
		return "/"
	}
	return c.Path
}

// Set stores token in an HttpOnly, SameSite=Strict cookie.
func (c Cookie) Set(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    token,
		Path:     c.path(),
		MaxAge:   int(c.MaxAge / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   c.Secure,
	})
}

// Clear expires the cookie in the browser.
func (c Cookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    "",
		Path:     c.path(),
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   c.Secure,
	})
}

// Token returns the session token from the cookie, falling back to an
// Authorization: Bearer header for non-browser clients.
func (c Cookie) Token(r *http.Request) string {
	if value := c.Value(r); value != "" {
		return value
	}
	token, err := bearerToken(r)
	if err != nil {
		return ""
	}
	return token
}

// Value returns the cookie value only.
func (c Cookie) Value(r *http.Request) string {
	if cookie, err := r.Cookie(c.name()); err == nil {
		return cookie.Value
	}
	return ""
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
