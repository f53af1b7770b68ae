package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vidyavaradhi/apiserver/config"
	"github.com/vidyavaradhi/apiserver/internal/logging"
	"github.com/vidyavaradhi/apiserver/internal/mail"
	"github.com/vidyavaradhi/apiserver/internal/store"
	"golang.org/x/crypto/bcrypt"
)

type captureMailer struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (c *captureMailer) Dispatch(_ context.Context, msg mail.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureMailer) lastCode(t *testing.T, email string) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Kind == mail.KindOTP && c.sent[i].To == email {
			return c.sent[i].Data["code"]
		}
	}
	t.Fatalf("no otp mailed to %s", email)
	return ""
}

func testConfig() config.Config {
	return config.Config{
		Env: "test",
		Auth: config.AuthConfig{
			JWTSecret:        "test-secret",
			CookieName:       "session",
			SessionTTL:       7 * 24 * time.Hour,
			OTPTTL:           10 * time.Minute,
			TicketTTL:        30 * time.Minute,
			PasswordHasher:   "bcrypt",
			BcryptCost:       bcrypt.MinCost,
			LoginMaxAttempts: 5,
			LoginWindow:      15 * time.Minute,
			APIMaxRequests:   100,
			APIWindow:        15 * time.Minute,
		},
	}
}

type testServer struct {
	router http.Handler
	mailer *captureMailer
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	backends := MemoryBackends(store.NewMemoryUserRepository())
	mailer := &captureMailer{}
	backends.Mailer = mailer

	router, err := NewRouter(cfg, backends, logging.Nop())
	require.NoError(t, err)
	return &testServer{router: router, mailer: mailer}
}

type reqOpt func(*http.Request)

func withCookies(cookies ...*http.Cookie) reqOpt {
	return func(r *http.Request) {
		for _, c := range cookies {
			if c != nil {
				r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
			}
		}
	}
}

func fromIP(ip string) reqOpt {
	return func(r *http.Request) { r.Header.Set("X-Real-IP", ip) }
}

func withHeader(key, value string) reqOpt {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

func (s *testServer) do(t *testing.T, method, path string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// register walks the three registration steps and returns the session cookie.
func (s *testServer) register(t *testing.T, email, role string) (*http.Cookie, map[string]any) {
	t.Helper()

	rec := s.do(t, http.MethodPost, "/api/send-otp", map[string]string{"email": email})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/verify-otp", map[string]string{"email": email, "otp": s.mailer.lastCode(t, email)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	userID := decode(t, rec)["userId"].(string)
	ticket := cookieNamed(rec, ticketCookieName)
	require.NotNil(t, ticket)
	assert.True(t, ticket.HttpOnly)
	assert.Equal(t, "/api/auth/register", ticket.Path)

	rec = s.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"userId":   userID,
		"email":    email,
		"password": "Secret123",
		"role":     role,
		"name":     "Test User",
	}, withCookies(ticket))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	sess := cookieNamed(rec, "session")
	require.NotNil(t, sess)
	return sess, decode(t, rec)
}

func TestRegistrationFlowAndRoleProtection(t *testing.T) {
	s := newTestServer(t, testConfig())

	sess, body := s.register(t, "b@x.com", "trainer")
	user := body["user"].(map[string]any)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "trainer", user["role"])
	assert.Equal(t, "b@x.com", user["email"])
	assert.Regexp(t, `^VV\d{8}$`, user["id"])

	assert.True(t, sess.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, sess.SameSite)
	assert.Equal(t, "/", sess.Path)
	assert.Equal(t, 7*24*60*60, sess.MaxAge)
	assert.False(t, sess.Secure)

	rec := s.do(t, http.MethodGet, "/api/auth/session", nil, withCookies(sess))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trainer", decode(t, rec)["user"].(map[string]any)["role"])

	rec = s.do(t, http.MethodGet, "/trainer/dashboard", nil, withCookies(sess))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/trainer/dashboard", decode(t, rec)["page"])

	rec = s.do(t, http.MethodGet, "/learner/dashboard", nil, withCookies(sess))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/unauthorized", rec.Header().Get("Location"))

	rec = s.do(t, http.MethodPost, "/api/auth/logout", nil, withCookies(sess))
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := cookieNamed(rec, "session")
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)

	rec = s.do(t, http.MethodGet, "/api/auth/session", nil, withCookies(sess))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":null}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/trainer/dashboard", nil, withCookies(sess))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?returnTo=%2Ftrainer%2Fdashboard", rec.Header().Get("Location"))
}

func TestLoginAfterRegistrationKeepsRole(t *testing.T) {
	s := newTestServer(t, testConfig())
	_, body := s.register(t, "c@x.com", "policymaker")
	id := body["user"].(map[string]any)["id"].(string)

	rec := s.do(t, http.MethodPost, "/api/auth/login", map[string]string{"identifier": "c@x.com", "password": "Secret123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "policymaker", decode(t, rec)["user"].(map[string]any)["role"])
	require.NotNil(t, cookieNamed(rec, "session"))

	rec = s.do(t, http.MethodPost, "/api/auth/login", map[string]string{"userId": id, "password": "Secret123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRegisterRequiresTicketCookie(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := s.do(t, http.MethodPost, "/api/send-otp", map[string]string{"email": "d@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/verify-otp", map[string]string{"email": "d@x.com", "otp": s.mailer.lastCode(t, "d@x.com")})
	require.Equal(t, http.StatusOK, rec.Code)
	userID := decode(t, rec)["userId"].(string)

	rec = s.do(t, http.MethodPost, "/api/auth/register", map[string]string{
		"userId": userID, "email": "d@x.com", "password": "Secret123", "role": "learner", "name": "D",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, cookieNamed(rec, "session"))
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t, testConfig())

	tests := []struct {
		name string
		body map[string]string
		want string
	}{
		{"missing fields", map[string]string{"email": "e@x.com"}, "userId is required"},
		{"bad role", map[string]string{"userId": "VV26100001", "email": "e@x.com", "password": "Secret123", "role": "admin", "name": "E"}, "Invalid role specified"},
		{"weak password", map[string]string{"userId": "VV26100001", "email": "e@x.com", "password": "secret", "role": "learner", "name": "E"}, "Password must be at least 8 characters long"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/auth/register", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.want, decode(t, rec)["error"])
		})
	}
}

func TestVerifyOTPResponses(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := s.do(t, http.MethodPost, "/api/send-otp", map[string]string{"email": "a@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	_, hasOTP := decode(t, rec)["otp"]
	assert.False(t, hasOTP, "codes are not echoed outside development")

	code := s.mailer.lastCode(t, "a@x.com")
	wrong := "000000"
	if code == wrong {
		wrong = "999999"
	}

	rec = s.do(t, http.MethodPost, "/api/verify-otp", map[string]string{"email": "a@x.com", "otp": wrong})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	wrongMsg := decode(t, rec)["error"]

	rec = s.do(t, http.MethodPost, "/api/verify-otp", map[string]string{"email": "a@x.com", "otp": code})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/verify-otp", map[string]string{"email": "a@x.com", "otp": code})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, wrongMsg, decode(t, rec)["error"])

	rec = s.do(t, http.MethodPost, "/api/verify-otp", map[string]string{"email": "a@x.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendOTPEchoesCodeInDevelopment(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "dev"
	s := newTestServer(t, cfg)

	rec := s.do(t, http.MethodPost, "/api/send-otp", map[string]string{"email": "a@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, s.mailer.lastCode(t, "a@x.com"), body["otp"])

	rec = s.do(t, http.MethodPost, "/api/send-otp", map[string]string{"email": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginRateLimit(t *testing.T) {
	s := newTestServer(t, testConfig())
	creds := map[string]string{"identifier": "ghost@x.com", "password": "Secret123"}

	for i := 1; i <= 5; i++ {
		rec := s.do(t, http.MethodPost, "/api/auth/login", creds, fromIP("203.0.113.7"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i)
		assert.Equal(t, "Invalid credentials", decode(t, rec)["error"])
	}

	rec := s.do(t, http.MethodPost, "/api/auth/login", creds, fromIP("203.0.113.7"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 15*60, retry, 5)

	rec = s.do(t, http.MethodPost, "/api/auth/login", creds, fromIP("203.0.113.8"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/login", map[string]string{"identifier": "x@x.com"}, fromIP("203.0.113.9"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIRateLimitHeaders(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.APIMaxRequests = 3
	s := newTestServer(t, cfg)

	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodGet, "/api/auth/session", nil, fromIP("198.51.100.1"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(2-i), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := s.do(t, http.MethodGet, "/api/auth/session", nil, fromIP("198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = s.do(t, http.MethodGet, "/healthz", nil, fromIP("198.51.100.1"))
	assert.Equal(t, http.StatusOK, rec.Code, "only /api is limited")
}

func TestCrossOriginPostIsRejected(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := s.do(t, http.MethodPost, "/api/send-otp", map[string]string{"email": "a@x.com"},
		withHeader("Origin", "https://evil.example"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/send-otp", map[string]string{"email": "a@x.com"},
		withHeader("Origin", "http://example.com"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTrustedOriginGetsCORSHeaders(t *testing.T) {
	cfg := testConfig()
	cfg.CORS.AllowedOrigins = []string{"https://app.vidyavaradhi.example"}
	s := newTestServer(t, cfg)

	rec := s.do(t, http.MethodPost, "/api/send-otp", map[string]string{"email": "a@x.com"},
		withHeader("Origin", "https://app.vidyavaradhi.example"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.vidyavaradhi.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestSecurityHeadersHealthAndMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	s := newTestServer(t, cfg)

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=31536000")

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vidyavaradhi_http_requests_total")

	rec = s.do(t, http.MethodGet, "/learner/dashboard", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?returnTo=%2Flearner%2Fdashboard", rec.Header().Get("Location"))

	rec = s.do(t, http.MethodGet, "/unauthorized", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSecureCookieInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	s := newTestServer(t, cfg)

	sess, _ := s.register(t, "p@x.com", "learner")
	assert.True(t, sess.Secure)
}

func TestRegisterWithoutTicketLooksTheSameForTakenEmails(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.register(t, "taken@x.com", "learner")

	var bodies []string
	for _, email := range []string{"taken@x.com", "free@x.com"} {
		rec := s.do(t, http.MethodPost, "/api/auth/register", map[string]string{
			"userId": "VV00000000", "email": email, "password": "Secret123", "role": "learner", "name": "M",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, email)
		bodies = append(bodies, rec.Body.String())
	}
	assert.Equal(t, bodies[0], bodies[1])
}
