// Package config loads server configuration from a YAML document, applies
// environment overrides, and exposes the merged result.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/nimbusgames/nimbus/internal/logging"
	"github.com/nimbusgames/nimbus/internal/security"
	"github.com/nimbusgames/nimbus/internal/types"
)

// SecuritySection groups rate limiting and validation caps.
type SecuritySection struct {
	EnableRateLimiting    bool `yaml:"enable_rate_limiting" env:"NIMBUS_ENABLE_RATE_LIMITING"`
	MaxRequestsPerMinute  int  `yaml:"max_requests_per_minute" env:"NIMBUS_MAX_REQUESTS_PER_MINUTE"`
	MaxConnectionsPerAddr int  `yaml:"max_connections_per_ip" env:"NIMBUS_MAX_CONNECTIONS_PER_IP"`

	Validation security.ValidationConfig `yaml:"validation"`

	// BannedAddrs are rejected at accept time.
	BannedAddrs []string `yaml:"banned_ips" env:"NIMBUS_BANNED_IPS" envSeparator:","`
}

// PluginSafetySection controls how strictly plugin ABI versions are checked.
type PluginSafetySection struct {
	// AllowUnsafePlugins is parsed from file, environment and flag but not
	// read by the plugin loader; AllowABIMismatch admits mismatched plugins.
	AllowUnsafePlugins     bool `yaml:"allow_unsafe_plugins" env:"NIMBUS_ALLOW_UNSAFE_PLUGINS"`
	AllowABIMismatch       bool `yaml:"allow_abi_mismatch" env:"NIMBUS_ALLOW_ABI_MISMATCH"`
	StrictVersioning       bool `yaml:"strict_versioning" env:"NIMBUS_STRICT_VERSIONING"`
	UnregisterOnFailure    bool `yaml:"unregister_on_failure" env:"NIMBUS_PLUGIN_UNREGISTER_ON_FAILURE"`
	LifecycleTimeoutMillis int  `yaml:"lifecycle_timeout_ms" env:"NIMBUS_PLUGIN_LIFECYCLE_TIMEOUT_MS"`
}

// BridgeSection configures the optional NATS event mirror.
type BridgeSection struct {
	NATSURL string `yaml:"nats_url" env:"NIMBUS_BRIDGE_NATS_URL"`
	// Patterns selects which core lifecycle keys (player_connected,
	// player_disconnected, plugin_loaded) are mirrored. A pattern matches
	// when it is a substring of the key string; "*" matches all three and
	// empty mirrors none. Client and plugin keys are not mirrored.
	Patterns []string `yaml:"patterns" env:"NIMBUS_BRIDGE_PATTERNS" envSeparator:","`
}

// Config is the merged server configuration.
type Config struct {
	BindAddress       string             `yaml:"bind_address" env:"NIMBUS_BIND_ADDRESS"`
	RegionBounds      types.RegionBounds `yaml:"region_bounds"`
	PluginDirectory   string             `yaml:"plugin_directory" env:"NIMBUS_PLUGIN_DIR"`
	MaxConnections    int                `yaml:"max_connections" env:"NIMBUS_MAX_CONNECTIONS"`
	ConnectionTimeout int                `yaml:"connection_timeout_seconds" env:"NIMBUS_CONNECTION_TIMEOUT_SECONDS"`
	UseReusePort      bool               `yaml:"use_reuse_port" env:"NIMBUS_USE_REUSE_PORT"`
	TickIntervalMS    int                `yaml:"tick_interval_ms" env:"NIMBUS_TICK_INTERVAL_MS"`
	MemoryLimitMB     float64            `yaml:"memory_limit_mb" env:"NIMBUS_MEMORY_LIMIT_MB"`

	Security     SecuritySection     `yaml:"security"`
	PluginSafety PluginSafetySection `yaml:"plugin_safety"`
	Logging      logging.Config      `yaml:"logging"`
	Bridge       BridgeSection       `yaml:"bridge"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() Config {
	return Config{
		BindAddress: "127.0.0.1:8080",
		RegionBounds: types.RegionBounds{
			MinX: -1000, MaxX: 1000,
			MinY: -1000, MaxY: 1000,
			MinZ: -100, MaxZ: 100,
		},
		PluginDirectory:   "plugins",
		MaxConnections:    1000,
		ConnectionTimeout: 60,
		TickIntervalMS:    50,
		Security: SecuritySection{
			EnableRateLimiting:    true,
			MaxRequestsPerMinute:  60,
			MaxConnectionsPerAddr: 10,
			Validation:            security.DefaultValidationConfig(),
		},
		PluginSafety: PluginSafetySection{
			UnregisterOnFailure:    true,
			LifecycleTimeoutMillis: 5000,
		},
		Logging: logging.Config{Level: "info", JSONFormat: true},
	}
}

// Load reads the YAML file at path (missing file falls back to defaults),
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults apply.
		default:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("bind_address must not be empty")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	if c.TickIntervalMS < 0 {
		return fmt.Errorf("tick_interval_ms must not be negative")
	}
	if c.Security.Validation.MaxMessageSize <= 0 {
		return fmt.Errorf("security.validation.max_message_size must be positive")
	}
	return nil
}

// TickInterval returns the scheduler interval; zero disables the tick loop.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// PluginLifecycleTimeout bounds each plugin lifecycle call.
func (c *Config) PluginLifecycleTimeout() time.Duration {
	if c.PluginSafety.LifecycleTimeoutMillis <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PluginSafety.LifecycleTimeoutMillis) * time.Millisecond
}

// RateLimiterConfig converts the security section into the limiter's form.
func (c *Config) RateLimiterConfig() security.RateLimiterConfig {
	return security.RateLimiterConfig{
		MaxRequestsPerMinute:  c.Security.MaxRequestsPerMinute,
		MaxConnectionsPerAddr: c.Security.MaxConnectionsPerAddr,
		SweepAge:              time.Hour,
	}
}
