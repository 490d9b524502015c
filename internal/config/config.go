// Package config loads tillbook settings from a file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TILLBOOK_REMOTE_DSN.
const EnvPrefix = "TILLBOOK"

// Remote drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverLibSQL   = "libsql"
)

// Connectivity probes.
const (
	ProbeDial   = "dial"
	ProbeFile   = "file"
	ProbeAlways = "always"
)

// Config holds all tillbook configuration.
type Config struct {
	Local        LocalConfig        `mapstructure:"local" toml:"local"`
	Remote       RemoteConfig       `mapstructure:"remote" toml:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" toml:"connectivity"`
	Sync         SyncConfig         `mapstructure:"sync" toml:"sync"`
	Tenant       TenantConfig       `mapstructure:"tenant" toml:"tenant"`
	Notify       NotifyConfig       `mapstructure:"notify" toml:"notify"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard" toml:"dashboard"`
	Log          LogConfig          `mapstructure:"log" toml:"log"`
}

// LocalConfig locates the on-device database.
type LocalConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// RemoteConfig selects and tunes the remote store.
type RemoteConfig struct {
	Driver     string  `mapstructure:"driver" toml:"driver"`
	DSN        string  `mapstructure:"dsn" toml:"dsn"`
	AuthToken  string  `mapstructure:"auth_token" toml:"auth_token"`
	RateLimit  float64 `mapstructure:"rate_limit" toml:"rate_limit"`
	MaxRetries int     `mapstructure:"max_retries" toml:"max_retries"`
}

// ConnectivityConfig chooses how reachability is probed.
type ConnectivityConfig struct {
	Probe    string        `mapstructure:"probe" toml:"probe"`
	Target   string        `mapstructure:"target" toml:"target"`
	Interval time.Duration `mapstructure:"interval" toml:"interval"`
}

// SyncConfig tunes the scheduler.
type SyncConfig struct {
	PullInterval     time.Duration `mapstructure:"pull_interval" toml:"pull_interval"`
	Debounce         time.Duration `mapstructure:"debounce" toml:"debounce"`
	RequireHydration bool          `mapstructure:"require_hydration" toml:"require_hydration"`
	DeviceID         string        `mapstructure:"device_id" toml:"device_id"`
}

// TenantConfig carries the signed session token.
type TenantConfig struct {
	Token  string `mapstructure:"token" toml:"token"`
	Secret string `mapstructure:"secret" toml:"secret"`
}

// NotifyConfig enables the cross-device change feed when RedisAddr is set.
type NotifyConfig struct {
	RedisAddr     string `mapstructure:"redis_addr" toml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" toml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" toml:"redis_db"`
}

// DashboardConfig enables the status server when Port is non-zero.
type DashboardConfig struct {
	Port int `mapstructure:"port" toml:"port"`
}

// LogConfig controls the logger. An empty File logs to stderr only.
type LogConfig struct {
	Level      string `mapstructure:"level" toml:"level"`
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Local: LocalConfig{Path: "tillbook.db"},
		Remote: RemoteConfig{
			Driver:     DriverMemory,
			RateLimit:  20,
			MaxRetries: 3,
		},
		Connectivity: ConnectivityConfig{
			Probe:    ProbeAlways,
			Interval: 10 * time.Second,
		},
		Sync: SyncConfig{
			PullInterval:     5 * time.Minute,
			Debounce:         500 * time.Millisecond,
			RequireHydration: true,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// setDefaults mirrors DefaultConfig into v so env-only keys resolve.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("local.path", d.Local.Path)

	v.SetDefault("remote.driver", d.Remote.Driver)
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.auth_token", "")
	v.SetDefault("remote.rate_limit", d.Remote.RateLimit)
	v.SetDefault("remote.max_retries", d.Remote.MaxRetries)

	v.SetDefault("connectivity.probe", d.Connectivity.Probe)
	v.SetDefault("connectivity.target", "")
	v.SetDefault("connectivity.interval", d.Connectivity.Interval)

	v.SetDefault("sync.pull_interval", d.Sync.PullInterval)
	v.SetDefault("sync.debounce", d.Sync.Debounce)
	v.SetDefault("sync.require_hydration", d.Sync.RequireHydration)
	v.SetDefault("sync.device_id", "")

	v.SetDefault("tenant.token", "")
	v.SetDefault("tenant.secret", "")

	v.SetDefault("notify.redis_addr", "")
	v.SetDefault("notify.redis_password", "")
	v.SetDefault("notify.redis_db", 0)

	v.SetDefault("dashboard.port", 0)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
}

// Load reads configuration from path (yaml or toml by extension), falling
// back to tillbook.{yaml,toml} in the working directory when path is empty.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tillbook")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Local.Path == "" {
		return fmt.Errorf("local.path is required")
	}

	switch c.Remote.Driver {
	case DriverMemory:
	case DriverPostgres, DriverLibSQL:
		if c.Remote.DSN == "" {
			return fmt.Errorf("remote.dsn is required for driver %q", c.Remote.Driver)
		}
	default:
		return fmt.Errorf("unknown remote.driver %q", c.Remote.Driver)
	}
	if c.Remote.RateLimit < 0 {
		return fmt.Errorf("remote.rate_limit must not be negative")
	}
	if c.Remote.MaxRetries < 0 {
		return fmt.Errorf("remote.max_retries must not be negative")
	}

	switch c.Connectivity.Probe {
	case ProbeAlways:
	case ProbeDial, ProbeFile:
		if c.Connectivity.Target == "" {
			return fmt.Errorf("connectivity.target is required for probe %q", c.Connectivity.Probe)
		}
	default:
		return fmt.Errorf("unknown connectivity.probe %q", c.Connectivity.Probe)
	}
	if c.Connectivity.Interval <= 0 {
		return fmt.Errorf("connectivity.interval must be positive")
	}

	if c.Sync.PullInterval <= 0 {
		return fmt.Errorf("sync.pull_interval must be positive")
	}
	if c.Sync.Debounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive")
	}

	if c.Tenant.Token != "" && c.Tenant.Secret == "" {
		return fmt.Errorf("tenant.secret is required to verify tenant.token")
	}

	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("invalid dashboard.port: %d", c.Dashboard.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return nil
}

// WriteDefault writes DefaultConfig as TOML to path. It refuses to replace
// an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("# tillbook configuration. Every key can be overridden with TILLBOOK_<SECTION>_<KEY>.\n\n")
	if err := toml.NewEncoder(&buf).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
