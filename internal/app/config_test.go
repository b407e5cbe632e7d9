package app

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SESSION_SECRET", "session-secret")
	t.Setenv("CSRF_SECRET", "csrf-secret")
	t.Setenv("JWT_SECRET", strings.Repeat("j", 32))
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, BackendPostgres, cfg.IdentityBackend)
	require.True(t, cfg.UsesPostgres())
	require.Equal(t, 300*time.Millisecond, cfg.UIDebounce)
	require.Equal(t, 1000, cfg.AuditCapacity)
	require.Equal(t, 600, cfg.RateLimitPerMin)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Contains(t, cfg.AuditExcludePaths, "/healthz")
	require.Contains(t, cfg.AuditRedactFields, "password")
	require.Contains(t, cfg.AuditRedactFields, "api_key")
	require.False(t, cfg.AuditRedactSuffix)
	require.False(t, cfg.IsProduction())
	require.Equal(t, int32(10), cfg.PGMaxConns)
	require.Equal(t, "127.0.0.1:6379", cfg.RedisOptions().Addr)
	require.Zero(t, cfg.RedisOptions().DB)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IDENTITY_BACKEND", " Memory ")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("UI_DEBOUNCE", "1s")
	t.Setenv("AUDIT_EXCLUDE_PATHS", "/healthz,/internal/")
	t.Setenv("REDIS_PASSWORD", "pw")
	t.Setenv("REDIS_DB", "2")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.IdentityBackend)
	require.False(t, cfg.UsesPostgres())
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, time.Second, cfg.UIDebounce)
	require.Equal(t, []string{"/healthz", "/internal/"}, cfg.AuditExcludePaths)
	require.Equal(t, "pw", cfg.RedisOptions().Password)
	require.Equal(t, 2, cfg.RedisOptions().DB)
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			SessionSecret:   "s",
			CSRFSecret:      "c",
			JWTSecret:       strings.Repeat("j", 32),
			IdentityBackend: BackendMemory,
			UIDebounce:      300 * time.Millisecond,
			AuditCapacity:   10,
		}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "short jwt secret", mutate: func(c *Config) { c.JWTSecret = "short" }, want: "jwt secret"},
		{name: "unknown backend", mutate: func(c *Config) { c.IdentityBackend = "ldap" }, want: "identity backend"},
		{name: "debounce below floor", mutate: func(c *Config) { c.UIDebounce = 100 * time.Millisecond }, want: "debounce"},
		{name: "zero audit capacity", mutate: func(c *Config) { c.AuditCapacity = 0 }, want: "audit capacity"},
		{name: "missing csrf secret", mutate: func(c *Config) { c.CSRFSecret = "" }, want: "csrf"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv("LABKEEPER_TEST_MODE", "true")
	require.True(t, RefreshTestMode())
	require.True(t, InTestMode())

	t.Setenv("LABKEEPER_TEST_MODE", "0")
	require.False(t, RefreshTestMode())
	require.False(t, InTestMode())

	t.Setenv("LABKEEPER_TEST_MODE", "1")
	RefreshTestMode()
}
