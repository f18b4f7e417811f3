// Package config resolves the control plane's runtime configuration from
// built-in defaults, an optional YAML file, and environment variables, in
// that order of precedence (env wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config is the effective runtime configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AuthMode is "none" or "token"; "token" requires AuthToken.
	AuthMode  string `yaml:"authMode"`
	AuthToken string `yaml:"authToken"`

	// OpenClawHome overrides the default local OpenClaw directory.
	OpenClawHome string `yaml:"openclawHome"`
	// CronStoreDir holds the target registry and spool files.
	CronStoreDir string `yaml:"cronStoreDir"`
	// SettingsDir holds auth.json, ssh-connections.json, fleet-alerts.json.
	SettingsDir string `yaml:"settingsDir"`

	HeartbeatTimeoutMs         int `yaml:"heartbeatTimeoutMs"`
	BridgeCronSyncRateLimitMax int `yaml:"bridgeCronSyncRateLimitMax"`

	Fleet FleetConfig `yaml:"fleet"`
	Redis RedisConfig `yaml:"redis"`
}

// FleetConfig tunes the policy and drift engine.
type FleetConfig struct {
	Enabled                   bool   `yaml:"enabled"`
	MaxSyncLagMs              int64  `yaml:"maxSyncLagMs"`
	MinBridgeVersion          string `yaml:"minBridgeVersion"`
	AlertCooldownMs           int64  `yaml:"alertCooldownMs"`
	ApprovalCriticalThreshold int    `yaml:"approvalCriticalThreshold"`
	ApprovalTTLMs             int64  `yaml:"approvalTtlMs"`
}

// RedisConfig enables the optional event mirror when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	settings := filepath.Join(home, ".patze-control")
	return &Config{
		Host:                       "127.0.0.1",
		Port:                       9700,
		AuthMode:                   "none",
		CronStoreDir:               filepath.Join(settings, "cron"),
		SettingsDir:                settings,
		HeartbeatTimeoutMs:         90_000,
		BridgeCronSyncRateLimitMax: 60,
		Fleet: FleetConfig{
			Enabled:                   true,
			MaxSyncLagMs:              120_000,
			AlertCooldownMs:           60_000,
			ApprovalCriticalThreshold: 3,
			ApprovalTTLMs:             300_000,
		},
	}
}

// Load resolves the configuration. path points at an optional YAML overlay;
// empty falls back to the CONFIG_FILE env var. A missing overlay file is
// ignored unless it was named explicitly.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	cfg.overlayEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(c)
}

func (c *Config) overlayEnv() {
	envStr("HOST", &c.Host)
	envInt("PORT", &c.Port)
	envStr("TELEMETRY_AUTH_MODE", &c.AuthMode)
	envStr("TELEMETRY_AUTH_TOKEN", &c.AuthToken)
	envStr("OPENCLAW_HOME", &c.OpenClawHome)
	envStr("CRON_STORE_DIR", &c.CronStoreDir)
	envStr("PATZE_SETTINGS_DIR", &c.SettingsDir)
	envInt("HEARTBEAT_TIMEOUT_MS", &c.HeartbeatTimeoutMs)
	envInt("BRIDGE_CRON_SYNC_RATE_LIMIT_MAX", &c.BridgeCronSyncRateLimitMax)

	envBool("SMART_FLEET_V2_ENABLED", &c.Fleet.Enabled)
	envInt64("SMART_FLEET_MAX_SYNC_LAG_MS", &c.Fleet.MaxSyncLagMs)
	envStr("SMART_FLEET_MIN_BRIDGE_VERSION", &c.Fleet.MinBridgeVersion)
	envInt64("SMART_FLEET_ALERT_COOLDOWN_MS", &c.Fleet.AlertCooldownMs)
	envInt("SMART_FLEET_APPROVAL_CRITICAL_THRESHOLD", &c.Fleet.ApprovalCriticalThreshold)
	envInt64("SMART_FLEET_APPROVAL_TTL_MS", &c.Fleet.ApprovalTTLMs)

	envStr("REDIS_ADDR", &c.Redis.Addr)
	envStr("REDIS_PASSWORD", &c.Redis.Password)
	envInt("REDIS_DB", &c.Redis.DB)

	// A token with no explicit mode means token auth.
	if c.AuthToken != "" && os.Getenv("TELEMETRY_AUTH_MODE") == "" && c.AuthMode == "none" {
		c.AuthMode = "token"
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.AuthMode {
	case "none":
	case "token":
		if c.AuthToken == "" {
			return fmt.Errorf("auth mode %q requires TELEMETRY_AUTH_TOKEN", c.AuthMode)
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}
	if c.BridgeCronSyncRateLimitMax <= 0 {
		return fmt.Errorf("bridge cron-sync rate limit must be positive")
	}
	return nil
}

// ListenAddr is the host:port bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envStr(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
