package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/vidyavaradhi/apiserver/internal/services"
	"github.com/vidyavaradhi/apiserver/types"
)

const maxBodyBytes = 1 << 20

type contextKey string

const contextSessionKey contextKey = "session"

// SessionFromContext returns the session attached by RequireRole.
func SessionFromContext(ctx context.Context) (types.Session, bool) {
	sess, ok := ctx.Value(contextSessionKey).(types.Session)
	return sess, ok
}

func withSession(ctx context.Context, sess types.Session) context.Context {
	return context.WithValue(ctx, contextSessionKey, sess)
}

// ErrorResponse is a simple error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps the auth error taxonomy onto HTTP.
func writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *services.Error
	if !errors.As(err, &svcErr) {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrAuthFailed):
		status = http.StatusUnauthorized
	case errors.Is(err, services.ErrRateLimited):
		status = http.StatusTooManyRequests
		setRetryAfter(w, svcErr.RetryAfter)
	case errors.Is(err, services.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, services.ErrDelivery):
		status = http.StatusBadGateway
	case errors.Is(err, services.ErrDependency):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, svcErr.Message)
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

// clientIP expects middleware.RealIP to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
