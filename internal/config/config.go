// Package config provides configuration loading for wagate.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"

	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/paths"
	"github.com/roelfdiedericks/wagate/internal/settings"
)

// EnvPrefix is prepended to every environment override (WAGATE_HTTP_LISTEN, ...).
const EnvPrefix = "WAGATE_"

// Config represents the merged wagate configuration
type Config struct {
	DataDir     string            `json:"dataDir,omitempty" env:"DATA_DIR"`
	Logging     LoggingConfig     `json:"logging" envPrefix:"LOG_"`
	HTTP        HTTPConfig        `json:"http" envPrefix:"HTTP_"`
	Store       StoreConfig       `json:"store" envPrefix:"STORE_"`
	Transport   TransportConfig   `json:"transport" envPrefix:"TRANSPORT_"`
	Defaults    DefaultsConfig    `json:"defaults" envPrefix:"DEFAULT_"`
	Reconnect   ReconnectConfig   `json:"reconnect" envPrefix:"RECONNECT_"`
	Correlation CorrelationConfig `json:"correlation" envPrefix:"CORRELATION_"`
	KeepAlive   KeepAliveConfig   `json:"keepAlive" envPrefix:"KEEPALIVE_"`
	Plugins     PluginsConfig     `json:"plugins" envPrefix:"PLUGINS_"`
}

type LoggingConfig struct {
	Level      string `json:"level" env:"LEVEL"`
	ShowCaller bool   `json:"showCaller,omitempty" env:"SHOW_CALLER"`
}

type HTTPConfig struct {
	Enabled    *bool  `json:"enabled,omitempty" env:"ENABLED"` // default: true
	Listen     string `json:"listen" env:"LISTEN"`
	AdminToken string `json:"adminToken,omitempty" env:"ADMIN_TOKEN"` // empty disables /api/*
}

type StoreConfig struct {
	Path           string `json:"path,omitempty" env:"PATH"`
	PollIntervalMs int    `json:"pollIntervalMs,omitempty" env:"POLL_INTERVAL_MS"`
}

type TransportConfig struct {
	DevicePath string `json:"devicePath,omitempty" env:"DEVICE_PATH"`
	Verbose    bool   `json:"verbose,omitempty" env:"VERBOSE"`
}

// DefaultsConfig holds the global runtime settings applied beneath any
// per-tenant persisted settings.
type DefaultsConfig struct {
	BotName            string `json:"botName" env:"BOT_NAME"`
	Prefix             string `json:"prefix" env:"PREFIX"`
	ConnectionAnnounce *bool  `json:"connectionAnnounce,omitempty" env:"CONNECTION_ANNOUNCE"`
	AutoMarkStatusRead bool   `json:"autoMarkStatusRead,omitempty" env:"AUTO_MARK_STATUS_READ"`
}

type ReconnectConfig struct {
	DelayMs    int  `json:"delayMs" env:"DELAY_MS"`
	Backoff    bool `json:"backoff,omitempty" env:"BACKOFF"`
	MaxDelayMs int  `json:"maxDelayMs,omitempty" env:"MAX_DELAY_MS"`
}

type CorrelationConfig struct {
	TTLMinutes int `json:"ttlMinutes,omitempty" env:"TTL_MINUTES"` // 0 = never evict
}

type KeepAliveConfig struct {
	Schedule string `json:"schedule" env:"SCHEDULE"`
}

type PluginsConfig struct {
	OwnerName string `json:"ownerName,omitempty" env:"OWNER_NAME"`
	MenuImage string `json:"menuImage,omitempty" env:"MENU_IMAGE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	// Optional booleans stay nil here: mergo only overrides a non-nil
	// default pointer when the file value is non-zero.
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		HTTP:    HTTPConfig{Listen: ":8000"},
		Store:   StoreConfig{PollIntervalMs: 10000},
		Defaults: DefaultsConfig{
			BotName: "BOT",
			Prefix:  ".",
		},
		Reconnect: ReconnectConfig{
			DelayMs:    5000,
			MaxDelayMs: 300000,
		},
		KeepAlive: KeepAliveConfig{Schedule: "@every 5m"},
	}
}

// Load reads configuration from path, or from the first wagate.json found
// by paths.ConfigPath when path is empty. A missing file is not an error.
// Environment variables (WAGATE_*) override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = found
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		var fileCfg Config
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
		L_debug("config: loaded", "path", path)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths fills derived file locations from DataDir.
func (c *Config) resolvePaths() error {
	if c.DataDir != "" {
		if err := paths.SetBaseDir(c.DataDir); err != nil {
			return err
		}
	}
	base, err := paths.BaseDir()
	if err != nil {
		return err
	}
	c.DataDir = base

	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(base, "wagate.db")
	}
	if c.Transport.DevicePath == "" {
		c.Transport.DevicePath = filepath.Join(base, "whatsapp.db")
	}
	if c.Store.Path, err = paths.ExpandTilde(c.Store.Path); err != nil {
		return err
	}
	if c.Transport.DevicePath, err = paths.ExpandTilde(c.Transport.DevicePath); err != nil {
		return err
	}
	return nil
}

// HTTPEnabled reports whether the HTTP server should run (default true).
func (c *Config) HTTPEnabled() bool {
	return c.HTTP.Enabled == nil || *c.HTTP.Enabled
}

// AnnounceByDefault reports the global connectionAnnounce default.
func (c *Config) AnnounceByDefault() bool {
	return c.Defaults.ConnectionAnnounce == nil || *c.Defaults.ConnectionAnnounce
}

// SettingsDefaults returns the global defaults as overrides of the
// built-in settings.
func (c *Config) SettingsDefaults() *settings.Overrides {
	d := c.Defaults
	announce := c.AnnounceByDefault()
	return &settings.Overrides{
		BotName:            &d.BotName,
		Prefix:             &d.Prefix,
		ConnectionAnnounce: &announce,
		AutoMarkStatusRead: &d.AutoMarkStatusRead,
	}
}

// ReconnectDelay returns the fixed delay before a reconnect attempt.
func (c *Config) ReconnectDelay() time.Duration {
	if c.Reconnect.DelayMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Reconnect.DelayMs) * time.Millisecond
}

// ReconnectMaxDelay caps the backoff delay when backoff is enabled.
func (c *Config) ReconnectMaxDelay() time.Duration {
	if c.Reconnect.MaxDelayMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Reconnect.MaxDelayMs) * time.Millisecond
}

// PollInterval returns the insertion feed poll interval.
func (c *Config) PollInterval() time.Duration {
	if c.Store.PollIntervalMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Store.PollIntervalMs) * time.Millisecond
}

// CorrelationTTL returns the correlation eviction age, 0 when disabled.
func (c *Config) CorrelationTTL() time.Duration {
	if c.Correlation.TTLMinutes <= 0 {
		return 0
	}
	return time.Duration(c.Correlation.TTLMinutes) * time.Minute
}
