// Package session mints and verifies the signed session tokens carried in the
// session cookie. Every token is also recorded in a server-side Registry so a
// logout revokes it before its natural expiry.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/vidyavaradhi/apiserver/types"
)

// DefaultTTL is the fixed lifetime of a session.
const DefaultTTL = 7 * 24 * time.Hour

// Claims is the JWT payload of a session token.
type Claims struct {
	jwt.RegisteredClaims
	Email string     `json:"email"`
	Role  types.Role `json:"role"`
	Name  string     `json:"name"`
}

// Manager issues, verifies and destroys sessions.
type Manager struct {
	secret   []byte
	ttl      time.Duration
	registry Registry
	now      func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(secret string, registry Registry, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session: secret is required")
	}
	if registry == nil {
		return nil, errors.New("session: registry is required")
	}
	m := &Manager{
		secret:   []byte(secret),
		ttl:      DefaultTTL,
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// TTL returns the session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue mints a token for user and registers it.
func (m *Manager) Issue(ctx context.Context, user types.User) (string, types.Session, error) {
	now := m.now().Truncate(time.Second)
	sess := types.Session{
		ID:        ulid.Make().String(),
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		Name:      user.Name,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   sess.UserID,
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
		Email: sess.Email,
		Role:  sess.Role,
		Name:  sess.Name,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", types.Session{}, err
	}

	if err := m.registry.Register(ctx, Record{ID: sess.ID, UserID: sess.UserID, Role: sess.Role}, m.ttl); err != nil {
		return "", types.Session{}, err
	}
	return token, sess, nil
}

// Verify returns the session carried by token. Absent, tampered, expired,
// malformed and revoked tokens all yield false, as does a registry failure.
func (m *Manager) Verify(ctx context.Context, token string) (types.Session, bool) {
	claims, err := m.parse(token, true)
	if err != nil {
		return types.Session{}, false
	}

	rec, found, err := m.registry.Lookup(ctx, claims.ID)
	if err != nil || !found {
		return types.Session{}, false
	}
	if rec.UserID != claims.Subject || rec.Role != claims.Role {
		return types.Session{}, false
	}

	return types.Session{
		ID:        claims.ID,
		UserID:    claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
		Name:      claims.Name,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, true
}

// Destroy revokes the session behind token. Tokens that do not carry a valid
// signature are ignored; expired ones are revoked anyway.
func (m *Manager) Destroy(ctx context.Context, token string) error {
	claims, err := m.parse(token, false)
	if err != nil {
		return nil
	}
	return m.registry.Revoke(ctx, claims.ID)
}

func (m *Manager) parse(tokenString string, validate bool) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if !validate {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, errors.New("missing subject")
	}
	if !claims.Role.Valid() {
		return nil, errors.New("invalid role")
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, errors.New("missing timestamps")
	}
	return claims, nil
}
