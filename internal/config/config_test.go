package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9700", cfg.ListenAddr())
	assert.Equal(t, "none", cfg.AuthMode)
	assert.True(t, cfg.Fleet.Enabled)
	assert.Equal(t, int64(120_000), cfg.Fleet.MaxSyncLagMs)
	assert.Equal(t, 60, cfg.BridgeCronSyncRateLimitMax)
}

func TestEnvOverridesFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patze.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"port: 9800\nhost: 0.0.0.0\nfleet:\n  maxSyncLagMs: 60000\n"), 0o644))

	t.Setenv("PORT", "9900")
	t.Setenv("SMART_FLEET_V2_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9900, cfg.Port, "env beats file")
	assert.Equal(t, "0.0.0.0", cfg.Host, "file beats defaults")
	assert.Equal(t, int64(60_000), cfg.Fleet.MaxSyncLagMs)
	assert.False(t, cfg.Fleet.Enabled)
}

func TestTokenImpliesTokenMode(t *testing.T) {
	t.Setenv("TELEMETRY_AUTH_TOKEN", "s3cret")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "token", cfg.AuthMode)
}

func TestValidation(t *testing.T) {
	t.Setenv("TELEMETRY_AUTH_MODE", "token")
	_, err := Load("")
	assert.ErrorContains(t, err, "TELEMETRY_AUTH_TOKEN")

	t.Setenv("TELEMETRY_AUTH_MODE", "mutual-tls")
	_, err = Load("")
	assert.ErrorContains(t, err, "unknown auth mode")

	t.Setenv("TELEMETRY_AUTH_MODE", "none")
	t.Setenv("PORT", "70000")
	_, err = Load("")
	assert.ErrorContains(t, err, "invalid port")
}

func TestExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
