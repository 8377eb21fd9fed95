package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "minio", cfg.Primary.Kind)
	assert.True(t, cfg.Primary.Enabled())
	assert.False(t, cfg.Fallback.Enabled(), "fallback is off until endpoint and bucket are set")
	assert.Equal(t, 3, cfg.BackendAttempts)
	assert.Equal(t, 30*time.Second, cfg.BackendTimeout)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("BACKEND_ATTEMPTS", "5")
	t.Setenv("BACKEND_TIMEOUT", "10s")
	t.Setenv("FALLBACK_ENDPOINT", "https://acc.r2.cloudflarestorage.com")
	t.Setenv("FALLBACK_BUCKET", "objects-dr")

	cfg := Load()

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 5, cfg.BackendAttempts)
	assert.Equal(t, 10*time.Second, cfg.BackendTimeout)
	assert.True(t, cfg.Fallback.Enabled())
}

func TestEnvParseFallbacks(t *testing.T) {
	t.Setenv("BACKEND_ATTEMPTS", "not-a-number")
	t.Setenv("BACKEND_TIMEOUT", "soon")

	cfg := Load()
	assert.Equal(t, 3, cfg.BackendAttempts)
	assert.Equal(t, 30*time.Second, cfg.BackendTimeout)
}
