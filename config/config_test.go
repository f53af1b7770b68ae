package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("JWT_SECRET", "secret")

	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "session", cfg.Auth.CookieName)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 10*time.Minute, cfg.Auth.OTPTTL)
	assert.Equal(t, 5, cfg.Auth.LoginMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Auth.LoginWindow)
	assert.Equal(t, 100, cfg.Auth.APIMaxRequests)
	assert.Equal(t, 12, cfg.Auth.BcryptCost)
	assert.Equal(t, StateBackendMemory, cfg.State.Backend)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("LOGIN_WINDOW", "5m")
	t.Setenv("LOGIN_MAX_ATTEMPTS", "3")
	t.Setenv("DB_SSL", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("STATE_BACKEND", "redis")

	cfg := LoadConfig()

	assert.True(t, cfg.Production())
	assert.False(t, cfg.Development())
	assert.Equal(t, 5*time.Minute, cfg.Auth.LoginWindow)
	assert.Equal(t, 3, cfg.Auth.LoginMaxAttempts)
	assert.True(t, cfg.Database.UseSSL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigMalformedValuesFallBack(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-port")
	t.Setenv("OTP_TTL", "ten minutes")

	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, 10*time.Minute, cfg.Auth.OTPTTL)
}

func TestValidate(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	base := LoadConfig()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"short secret in production", func(c *Config) { c.Env = "prod" }},
		{"zero login threshold", func(c *Config) { c.Auth.LoginMaxAttempts = 0 }},
		{"zero api window", func(c *Config) { c.Auth.APIWindow = 0 }},
		{"unknown state backend", func(c *Config) { c.State.Backend = "etcd" }},
		{"unknown mail queue", func(c *Config) { c.Mail.Queue = "kafka" }},
		{"unknown archive", func(c *Config) { c.Mail.Archive = "s3" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
