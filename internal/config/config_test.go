package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:8080", cfg.BindAddress)
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.Equal(t, 50*time.Millisecond, cfg.TickInterval())
	assert.True(t, cfg.Security.EnableRateLimiting)
	assert.Equal(t, 60, cfg.Security.MaxRequestsPerMinute)
	assert.True(t, cfg.PluginSafety.UnregisterOnFailure)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().BindAddress, cfg.BindAddress)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
bind_address: "0.0.0.0:9000"
max_connections: 50
tick_interval_ms: 0
region_bounds:
  min_x: -5000
  max_x: 5000
security:
  max_requests_per_minute: 120
  validation:
    max_message_size: 32768
plugin_safety:
  strict_versioning: true
logging:
  level: debug
  json_format: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.BindAddress)
	assert.Equal(t, 50, cfg.MaxConnections)
	assert.Equal(t, time.Duration(0), cfg.TickInterval(), "zero disables the tick")
	assert.Equal(t, -5000.0, cfg.RegionBounds.MinX)
	assert.Equal(t, 120, cfg.Security.MaxRequestsPerMinute)
	assert.Equal(t, 32768, cfg.Security.Validation.MaxMessageSize)
	assert.True(t, cfg.PluginSafety.StrictVersioning)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`bind_address: "127.0.0.1:7000"`), 0o644))

	t.Setenv("NIMBUS_BIND_ADDRESS", "127.0.0.1:7100")
	t.Setenv("NIMBUS_MAX_CONNECTIONS", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7100", cfg.BindAddress)
	assert.Equal(t, 3, cfg.MaxConnections)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_address: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.BindAddress = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.TickIntervalMS = -1
	assert.Error(t, cfg.Validate())
}

func TestPluginLifecycleTimeout(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5*time.Second, cfg.PluginLifecycleTimeout())
	cfg.PluginSafety.LifecycleTimeoutMillis = 250
	assert.Equal(t, 250*time.Millisecond, cfg.PluginLifecycleTimeout())
}
