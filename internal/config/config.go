// Package config provides configuration loading and management for the sync engine.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the environment variable prefix for engine settings
	EnvPrefix = "VHQ_SYNC"

	// StorageBackendFile stores engine state as one file per key
	StorageBackendFile = "file"

	// StorageBackendSQLite stores engine state in an embedded SQLite database
	StorageBackendSQLite = "sqlite"
)

// Reference defaults. Each value can be overridden in the config file.
const (
	defaultAPITimeout         = 10 * time.Second
	defaultMinSyncInterval    = 60 * time.Second
	defaultQueueDrainInterval = 30 * time.Second
	defaultRetryDelay         = 2 * time.Second
	defaultMaxRetries         = 3
	defaultFullSyncLookback   = 90 * 24 * time.Hour
	defaultFullSyncHorizon    = 14 * 24 * time.Hour
	defaultFailureThreshold   = 2
	defaultSuspensionWindow   = 5 * time.Minute
	defaultRateLimitAttempts  = 3
	defaultRateLimitWindow    = 2 * time.Minute
	defaultDomainTTL          = 5 * time.Minute
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// API configures the backend the engine syncs against
	API APIConfig `yaml:"api"`

	// Storage configures the durable key-value store
	Storage StorageConfig `yaml:"storage"`

	// Sync configures reconciliation and queue-drain behavior
	Sync SyncConfig `yaml:"sync,omitempty"`

	// Health configures the server-fault circuit breaker
	Health HealthConfig `yaml:"health,omitempty"`

	// RateLimit bounds manual, user-initiated sync triggers
	RateLimit RateLimitConfig `yaml:"rateLimit,omitempty"`

	// Domains lists the entity categories the engine reconciles
	Domains []DomainConfig `yaml:"domains"`
}

// APIConfig defines the backend API settings
type APIConfig struct {
	// BaseURL is the backend base URL (without path)
	BaseURL string `yaml:"baseUrl"`

	// Timeout is the per-request timeout (e.g. "10s")
	Timeout string `yaml:"timeout,omitempty"`
}

// StorageConfig defines the durable store settings
type StorageConfig struct {
	// Backend selects the store implementation (file or sqlite)
	Backend string `yaml:"backend"`

	// Path is the base directory (file backend) or database file (sqlite backend)
	Path string `yaml:"path"`
}

// SyncConfig defines reconciliation and queue processing settings
type SyncConfig struct {
	// MinInterval is the minimum time between background sync passes (e.g. "60s")
	MinInterval string `yaml:"minInterval,omitempty"`

	// QueueDrainInterval is how often the queue ticker fires while online (e.g. "30s")
	QueueDrainInterval string `yaml:"queueDrainInterval,omitempty"`

	// RetryDelay is the fixed wait after a failed command dispatch (e.g. "2s")
	RetryDelay string `yaml:"retryDelay,omitempty"`

	// MaxRetries is the retry ceiling before a command is dropped with a report
	MaxRetries int `yaml:"maxRetries,omitempty"`

	// FullSyncLookback bounds how far back a first-time full sync reaches (e.g. "2160h")
	FullSyncLookback string `yaml:"fullSyncLookback,omitempty"`

	// FullSyncHorizon bounds how far forward a first-time full sync reaches (e.g. "336h")
	FullSyncHorizon string `yaml:"fullSyncHorizon,omitempty"`
}

// HealthConfig defines circuit breaker settings
type HealthConfig struct {
	// FailureThreshold is the consecutive 5xx count that opens a suspension window
	FailureThreshold int `yaml:"failureThreshold,omitempty"`

	// SuspensionWindow is how long outbound calls stay suspended (e.g. "5m")
	SuspensionWindow string `yaml:"suspensionWindow,omitempty"`

	// EnforceSuspension controls whether suspension actually blocks calls.
	// When false, server-fault bursts are logged but calls proceed, so
	// iteration against a flaky local backend is not interrupted.
	EnforceSuspension *bool `yaml:"enforceSuspension,omitempty"`
}

// RateLimitConfig bounds manual sync triggers over a sliding window
type RateLimitConfig struct {
	// MaxAttempts is the number of manual syncs allowed per window
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// Window is the sliding lookback duration (e.g. "2m")
	Window string `yaml:"window,omitempty"`
}

// DomainConfig defines a single synchronized entity category
type DomainConfig struct {
	// Name is the identifier for this domain (e.g. "booking")
	Name string `yaml:"name"`

	// Path is the backend path for this domain's records
	Path string `yaml:"path"`

	// TTL is the staleness tolerance; reconciliation short-circuits while
	// cached data is younger than this (e.g. "5m")
	TTL string `yaml:"ttl,omitempty"`
}

// LoadConfig loads and validates configuration
func LoadConfig(opts ...Option) (*Config, error) {
	loader := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loader); err != nil {
			return nil, err
		}
	}

	if loader.path == "" {
		return nil, fmt.Errorf("no configuration source provided")
	}

	// #nosec G304 -- path is validated by WithConfigPath
	data, err := os.ReadFile(loader.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.baseUrl is required")
	}
	parsed, err := url.Parse(c.API.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("api.baseUrl must be a valid absolute URL: %s", c.API.BaseURL)
	}
	if err := validateDuration(c.API.Timeout, "api.timeout"); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case "", StorageBackendFile, StorageBackendSQLite:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q",
			StorageBackendFile, StorageBackendSQLite, c.Storage.Backend)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	for _, field := range []struct {
		value string
		name  string
	}{
		{c.Sync.MinInterval, "sync.minInterval"},
		{c.Sync.QueueDrainInterval, "sync.queueDrainInterval"},
		{c.Sync.RetryDelay, "sync.retryDelay"},
		{c.Sync.FullSyncLookback, "sync.fullSyncLookback"},
		{c.Sync.FullSyncHorizon, "sync.fullSyncHorizon"},
		{c.Health.SuspensionWindow, "health.suspensionWindow"},
		{c.RateLimit.Window, "rateLimit.window"},
	} {
		if err := validateDuration(field.value, field.name); err != nil {
			return err
		}
	}

	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.maxRetries must not be negative")
	}
	if c.Health.FailureThreshold < 0 {
		return fmt.Errorf("health.failureThreshold must not be negative")
	}
	if c.RateLimit.MaxAttempts < 0 {
		return fmt.Errorf("rateLimit.maxAttempts must not be negative")
	}

	if len(c.Domains) == 0 {
		return fmt.Errorf("at least one domain is required")
	}
	seen := make(map[string]bool, len(c.Domains))
	for i, d := range c.Domains {
		if d.Name == "" {
			return fmt.Errorf("domains[%d]: name is required", i)
		}
		if d.Path == "" {
			return fmt.Errorf("domains[%d] (%s): path is required", i, d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("domains[%d]: duplicate domain name %q", i, d.Name)
		}
		seen[d.Name] = true
		if err := validateDuration(d.TTL, fmt.Sprintf("domains[%d].ttl", i)); err != nil {
			return err
		}
	}

	return nil
}

func validateDuration(value, name string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", name, value, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: duration must be positive, got %q", name, value)
	}
	return nil
}

func durationOrDefault(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// APITimeout returns the per-request timeout
func (c *Config) APITimeout() time.Duration {
	return durationOrDefault(c.API.Timeout, defaultAPITimeout)
}

// StorageBackend returns the configured store backend, defaulting to file
func (c *Config) StorageBackend() string {
	if c.Storage.Backend == "" {
		return StorageBackendFile
	}
	return c.Storage.Backend
}

// MinSyncInterval returns the minimum time between background sync passes
func (c *Config) MinSyncInterval() time.Duration {
	return durationOrDefault(c.Sync.MinInterval, defaultMinSyncInterval)
}

// QueueDrainInterval returns the queue ticker interval
func (c *Config) QueueDrainInterval() time.Duration {
	return durationOrDefault(c.Sync.QueueDrainInterval, defaultQueueDrainInterval)
}

// RetryDelay returns the fixed wait after a failed command dispatch
func (c *Config) RetryDelay() time.Duration {
	return durationOrDefault(c.Sync.RetryDelay, defaultRetryDelay)
}

// MaxRetries returns the command retry ceiling
func (c *Config) MaxRetries() int {
	if c.Sync.MaxRetries == 0 {
		return defaultMaxRetries
	}
	return c.Sync.MaxRetries
}

// FullSyncLookback returns how far back a first-time full sync reaches
func (c *Config) FullSyncLookback() time.Duration {
	return durationOrDefault(c.Sync.FullSyncLookback, defaultFullSyncLookback)
}

// FullSyncHorizon returns how far forward a first-time full sync reaches
func (c *Config) FullSyncHorizon() time.Duration {
	return durationOrDefault(c.Sync.FullSyncHorizon, defaultFullSyncHorizon)
}

// FailureThreshold returns the consecutive server-error threshold
func (c *Config) FailureThreshold() int {
	if c.Health.FailureThreshold == 0 {
		return defaultFailureThreshold
	}
	return c.Health.FailureThreshold
}

// SuspensionWindow returns the circuit breaker suspension duration
func (c *Config) SuspensionWindow() time.Duration {
	return durationOrDefault(c.Health.SuspensionWindow, defaultSuspensionWindow)
}

// EnforceSuspension reports whether suspension blocks outbound calls.
// Defaults to true; set health.enforceSuspension to false for development
// against an intentionally flaky backend.
func (c *Config) EnforceSuspension() bool {
	if c.Health.EnforceSuspension == nil {
		return true
	}
	return *c.Health.EnforceSuspension
}

// RateLimitAttempts returns the manual sync attempts allowed per window
func (c *Config) RateLimitAttempts() int {
	if c.RateLimit.MaxAttempts == 0 {
		return defaultRateLimitAttempts
	}
	return c.RateLimit.MaxAttempts
}

// RateLimitWindow returns the manual sync sliding window
func (c *Config) RateLimitWindow() time.Duration {
	return durationOrDefault(c.RateLimit.Window, defaultRateLimitWindow)
}

// DomainTTL returns the freshness TTL for the named domain
func (c *Config) DomainTTL(name string) time.Duration {
	for _, d := range c.Domains {
		if d.Name == name {
			return durationOrDefault(d.TTL, defaultDomainTTL)
		}
	}
	return defaultDomainTTL
}
