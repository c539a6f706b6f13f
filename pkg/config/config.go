// Package config loads threadsync settings.
//
// Sources are applied in order, later ones winning: built-in defaults, a
// YAML file, variables from a .env file, then THREADSYNC_* environment
// variables. The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/daviddao/threadsync/pkg/gateway"
)

// DefaultDir is the per-project working directory, like .git.
const DefaultDir = ".threadsync"

// Config is the full configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Session SessionConfig `yaml:"session"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Server  ServerConfig  `yaml:"server"`
}

type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type SessionConfig struct {
	PageSize        int           `yaml:"page_size"`
	FuzzyWindow     time.Duration `yaml:"fuzzy_window"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MinPollInterval time.Duration `yaml:"min_poll_interval"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
}

type CacheConfig struct {
	Driver string `yaml:"driver"` // sqlite, pebble or none
	Path   string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the metrics listener
}

// ServerConfig configures the development server started by "tsync serve".
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{BaseURL: "http://127.0.0.1:8787", Timeout: 10 * time.Second},
		Session: SessionConfig{
			PageSize:        20,
			FuzzyWindow:     10 * time.Second,
			PollInterval:    5 * time.Second,
			MinPollInterval: time.Second,
			MaxBackoff:      time.Minute,
		},
		Cache:  CacheConfig{Driver: "sqlite", Path: filepath.Join(DefaultDir, "cache.db")},
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: "127.0.0.1:8787"},
	}
}

// Load builds the configuration. A missing file at path is an error only
// when path was given explicitly; envFile may be empty.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if envFile != "" {
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.Gateway.BaseURL = envOr("THREADSYNC_BASE_URL", c.Gateway.BaseURL)
	c.Gateway.Token = envOr("THREADSYNC_TOKEN", c.Gateway.Token)
	c.Cache.Driver = envOr("THREADSYNC_CACHE_DRIVER", c.Cache.Driver)
	c.Cache.Path = envOr("THREADSYNC_CACHE_PATH", c.Cache.Path)
	c.Log.Level = envOr("THREADSYNC_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("THREADSYNC_LOG_FORMAT", c.Log.Format)
	c.Metrics.Addr = envOr("THREADSYNC_METRICS_ADDR", c.Metrics.Addr)
	c.Server.Addr = envOr("THREADSYNC_SERVER_ADDR", c.Server.Addr)

	if v := os.Getenv("THREADSYNC_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("THREADSYNC_PAGE_SIZE: %w", err)
		}
		c.Session.PageSize = n
	}
	for key, dst := range map[string]*time.Duration{
		"THREADSYNC_TIMEOUT":           &c.Gateway.Timeout,
		"THREADSYNC_FUZZY_WINDOW":      &c.Session.FuzzyWindow,
		"THREADSYNC_POLL_INTERVAL":     &c.Session.PollInterval,
		"THREADSYNC_MIN_POLL_INTERVAL": &c.Session.MinPollInterval,
		"THREADSYNC_MAX_BACKOFF":       &c.Session.MaxBackoff,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway.base_url is required"))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("gateway.timeout must be positive"))
	}
	if c.Session.PageSize < 1 || c.Session.PageSize > gateway.MaxPageSize {
		errs = append(errs, fmt.Errorf("session.page_size must be between 1 and %d", gateway.MaxPageSize))
	}
	if c.Session.FuzzyWindow <= 0 {
		errs = append(errs, errors.New("session.fuzzy_window must be positive"))
	}
	if c.Session.PollInterval <= 0 || c.Session.MinPollInterval <= 0 {
		errs = append(errs, errors.New("session poll intervals must be positive"))
	}
	if c.Session.MaxBackoff < c.Session.PollInterval {
		errs = append(errs, errors.New("session.max_backoff must be at least session.poll_interval"))
	}
	switch c.Cache.Driver {
	case "sqlite", "pebble":
		if c.Cache.Path == "" {
			errs = append(errs, fmt.Errorf("cache.path is required for driver %s", c.Cache.Driver))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("cache.driver %q must be sqlite, pebble or none", c.Cache.Driver))
	}
	return errors.Join(errs...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
