package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)

	assert.Equal(t, "auth.talkwire.dev", cfg.Token.Issuer)
	assert.Equal(t, 15*time.Minute, cfg.Token.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Token.RefreshTTL)
	assert.Equal(t, 50, cfg.Token.RefreshMaxUses)
	assert.True(t, cfg.Token.RotateOnUse)
	assert.True(t, cfg.Token.AutoRevokeOnIssue)

	assert.Equal(t, 24*time.Hour, cfg.Secrets.GracePeriod)
	assert.Equal(t, 7*24*time.Hour, cfg.Secrets.RotationInterval)

	assert.False(t, cfg.Security.StrictMode)
	assert.Equal(t, 30*time.Second, cfg.Security.ClockSkew)
	assert.Equal(t, 1000.0, cfg.Security.MaxTravelSpeedKmh)
	assert.Equal(t, 80, cfg.Security.IPChangeRejectScore)

	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 100, cfg.Audit.BufferSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TOKEN_ISSUER", "auth.example.com")
	t.Setenv("ACCESS_TOKEN_TTL", "5m")
	t.Setenv("SECURITY_STRICT_MODE", "true")
	t.Setenv("TOKEN_AUDIENCE", "api.example.com, ws.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "auth.example.com", cfg.Token.Issuer)
	assert.Equal(t, 5*time.Minute, cfg.Token.AccessTTL)
	assert.True(t, cfg.Security.StrictMode)
	assert.Equal(t, []string{"api.example.com", "ws.example.com"}, cfg.Token.Audience)
}

func TestLoadMissingEnvFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoadBadDurationFallsBack(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.Token.AccessTTL)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, splitAndTrim(""))
	assert.Equal(t, []string{"a", "b"}, splitAndTrim("a, b,"))
}
