// Package config loads the offline proxy configuration from a YAML file,
// overlays environment variables and validates the result.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Sternrassler/offline-health-cache/pkg/client"
	"github.com/Sternrassler/offline-health-cache/pkg/connectivity"
	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/Sternrassler/offline-health-cache/pkg/namespace"
	"github.com/Sternrassler/offline-health-cache/pkg/precache"
	"github.com/Sternrassler/offline-health-cache/pkg/queue"
	"github.com/Sternrassler/offline-health-cache/pkg/ratelimit"
	"github.com/Sternrassler/offline-health-cache/pkg/router"
	"github.com/Sternrassler/offline-health-cache/pkg/strategy"
	"github.com/Sternrassler/offline-health-cache/pkg/syncer"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable, e.g.
// OFFLINE_UPSTREAM_ORIGIN or OFFLINE_SYNC_CONCURRENCY.
const EnvPrefix = "OFFLINE_"

// Storage backends.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
)

// Config is the complete proxy configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Upstream UpstreamConfig `yaml:"upstream" envPrefix:"UPSTREAM_"`
	Storage  StorageConfig  `yaml:"storage" envPrefix:"STORAGE_"`
	Logging  logging.Config `yaml:"logging" envPrefix:"LOG_"`
	Manifest ManifestConfig `yaml:"manifest" envPrefix:"MANIFEST_"`
	Routes   RoutesConfig   `yaml:"routes" envPrefix:"ROUTES_"`
	Shell    ShellConfig    `yaml:"shell" envPrefix:"SHELL_"`

	// Limits bounds the evictable namespaces (image, dynamic)
	Limits map[namespace.Kind]namespace.Limits `yaml:"limits" validate:"dive"`

	// SweepInterval purges expired entries from evictable namespaces; zero disables it
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" validate:"gte=0"`

	Strategy  strategy.Config           `yaml:"strategy" envPrefix:"STRATEGY_"`
	Breaker   strategy.BreakerConfig    `yaml:"breaker" envPrefix:"BREAKER_"`
	Retry     client.RetryConfig        `yaml:"retry" envPrefix:"RETRY_"`
	Sync      syncer.Config             `yaml:"sync" envPrefix:"SYNC_"`
	Queue     queue.Policy              `yaml:"queue" envPrefix:"QUEUE_"`
	Probe     connectivity.ProberConfig `yaml:"probe" envPrefix:"PROBE_"`
	RateLimit ratelimit.Config          `yaml:"rate_limit" envPrefix:"RATELIMIT_"`
}

// ServerConfig configures the proxy listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"ADDR" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" validate:"gte=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// UpstreamConfig names the origin every intercepted request is forwarded to.
type UpstreamConfig struct {
	Origin  string        `yaml:"origin" env:"ORIGIN" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gt=0"`

	// VaryHeaders take part in cache keys
	VaryHeaders []string `yaml:"vary_headers" env:"VARY_HEADERS"`
}

// StorageConfig selects where cache partitions and queued writes live.
type StorageConfig struct {
	Backend string `yaml:"backend" env:"BACKEND" validate:"oneof=memory leveldb redis"`

	// CachePath is the LevelDB directory of the leveldb backend
	CachePath string `yaml:"cache_path" env:"CACHE_PATH" validate:"required_if=Backend leveldb"`

	// QueuePath is the LevelDB directory of the mutation queue; empty keeps
	// the queue in memory
	QueuePath string `yaml:"queue_path" env:"QUEUE_PATH"`

	RedisAddr   string `yaml:"redis_addr" env:"REDIS_ADDR" validate:"required_if=Backend redis"`
	RedisDB     int    `yaml:"redis_db" env:"REDIS_DB" validate:"gte=0"`
	RedisPrefix string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

// ManifestConfig names the namespace versions served at startup.
type ManifestConfig struct {
	Prefix  string `yaml:"prefix" env:"PREFIX" validate:"required"`
	Version string `yaml:"version" env:"VERSION" validate:"required"`

	// NamespaceVersions pins individual kinds to another version
	NamespaceVersions map[namespace.Kind]string `yaml:"namespace_versions"`
}

// VersionManifest converts m to a namespace.VersionManifest.
func (m ManifestConfig) VersionManifest() namespace.VersionManifest {
	return namespace.VersionManifest{
		Prefix:            m.Prefix,
		CurrentVersion:    m.Version,
		NamespaceVersions: m.NamespaceVersions,
	}
}

// RoutesConfig locates the rule table.
type RoutesConfig struct {
	// File is a YAML rule table; empty selects the built-in table
	File string `yaml:"file" env:"FILE"`

	// Watch reloads File when it changes
	Watch    bool          `yaml:"watch" env:"WATCH"`
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE" validate:"gte=0"`
}

// ShellConfig lists the application shell precached on every activation.
type ShellConfig struct {
	URLs     []string        `yaml:"urls" env:"URLS"`
	Precache precache.Config `yaml:"precache" envPrefix:"PRECACHE_"`
}

// Default returns the configuration used for every value the file and
// environment leave unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Upstream: UpstreamConfig{
			Timeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend:     BackendMemory,
			RedisPrefix: "offline:",
		},
		Logging: logging.DefaultConfig(),
		Manifest: ManifestConfig{
			Prefix:  "wellness",
			Version: "v1",
		},
		Routes: RoutesConfig{
			Debounce: 500 * time.Millisecond,
		},
		Shell: ShellConfig{
			URLs:     []string{"/", "/index.html", "/offline.html", "/manifest.json"},
			Precache: precache.DefaultConfig(),
		},
		Limits:        namespace.DefaultLimits(),
		SweepInterval: 10 * time.Minute,
		Strategy:      strategy.DefaultConfig(),
		Breaker:       strategy.DefaultBreakerConfig(),
		Retry:         client.DefaultRetryConfig(),
		Sync:          syncer.DefaultConfig(),
		Queue:         queue.DefaultPolicy(),
		Probe:         connectivity.DefaultProberConfig(""),
		RateLimit:     ratelimit.DefaultConfig(),
	}
}

var validate = validator.New()

// Load reads path (optional), applies OFFLINE_* environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Manifest.VersionManifest().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for kind := range c.Limits {
		if !kind.Valid() {
			return fmt.Errorf("invalid config: limits for unknown namespace kind %q", kind)
		}
	}
	return nil
}

// RuleTable loads the configured rule table, or the built-in one.
func (c *Config) RuleTable() (*router.Table, error) {
	if c.Routes.File == "" {
		return router.DefaultTable(), nil
	}
	return router.LoadTable(c.Routes.File)
}
