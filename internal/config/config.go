// Package config provides configuration loading and management for the sync engine.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mariia-hub/booksy-sync/internal/telemetry"
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

		// Validate the path to prevent path traversal attacks
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
	// Providers lists the hub providers whose ledgers are kept in sync with Booksy
	Providers []ProviderConfig `yaml:"providers"`

	Hub          HubConfig           `yaml:"hub"`
	Booksy       BooksyConfig        `yaml:"booksy"`
	Database     *DatabaseConfig     `yaml:"database,omitempty"`
	Queue        QueueConfig         `yaml:"queue,omitempty"`
	Consent      ConsentConfig       `yaml:"consent,omitempty"`
	Availability AvailabilityConfig  `yaml:"availability,omitempty"`
	Audit        AuditConfig         `yaml:"audit,omitempty"`
	Alerts       AlertConfig         `yaml:"alerts,omitempty"`
	AdminAuth    *AdminAuthConfig    `yaml:"adminAuth,omitempty"`
	Telemetry    *telemetry.Config   `yaml:"telemetry,omitempty"`
}

// ProviderConfig defines a single provider whose bookings are synchronized
type ProviderConfig struct {
	// ID is the hub-side provider identifier
	ID string `yaml:"id"`

	// BusinessID is the Booksy business identifier the provider maps to
	BusinessID string `yaml:"businessId"`

	// SyncPolicy controls the periodic cycle schedule for this provider
	SyncPolicy *SyncPolicyConfig `yaml:"syncPolicy,omitempty"`
}

// SyncPolicyConfig defines synchronization settings
type SyncPolicyConfig struct {
	Interval string `yaml:"interval"`
}

// HubConfig defines how the engine talks to the hub's internal BookingService
type HubConfig struct {
	// BaseURL is the BookingService base URL (without path)
	BaseURL string `yaml:"baseUrl"`

	// RequestTimeout bounds every call to the hub (e.g. "10s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`
}

// BooksyConfig defines how the engine talks to the Booksy API
type BooksyConfig struct {
	// BaseURL is the Booksy API base URL (without path)
	BaseURL string `yaml:"baseUrl"`

	// APIKeyFile is the path to a file containing the API key.
	// Falls back to the BOOKSY_API_KEY environment variable.
	APIKeyFile string `yaml:"apiKeyFile,omitempty"`

	// WebhookSecretFile is the path to a file containing the shared webhook
	// signing secret. Falls back to the BOOKSY_WEBHOOK_SECRET environment
	// variable. Inbound payloads that do not verify against it are rejected.
	WebhookSecretFile string `yaml:"webhookSecretFile,omitempty"`

	// RequestTimeout bounds every outbound call (e.g. "10s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// RateLimit is the number of outbound requests allowed per minute
	RateLimit int `yaml:"rateLimit,omitempty"`
}

// QueueConfig defines operation queue tuning
type QueueConfig struct {
	// Workers is the fixed size of the dispatch worker pool
	Workers int `yaml:"workers,omitempty"`

	// MaxAttempts is the number of attempts before an operation dead-letters
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// BaseBackoff is the first retry delay (e.g. "5s")
	BaseBackoff string `yaml:"baseBackoff,omitempty"`

	// MaxBackoff caps the retry delay (e.g. "10m")
	MaxBackoff string `yaml:"maxBackoff,omitempty"`

	// LeaseDuration is how long a worker may hold an operation before the
	// lease expires and the operation becomes eligible again (e.g. "2m")
	LeaseDuration string `yaml:"leaseDuration,omitempty"`

	// PollInterval is how often idle workers poll for work (e.g. "1s")
	PollInterval string `yaml:"pollInterval,omitempty"`
}

// ConsentConfig defines consent gate settings
type ConsentConfig struct {
	// CacheTTL bounds how long a consent decision may be cached. It must stay
	// short; decisions are never cached across the full queue wait.
	CacheTTL string `yaml:"cacheTTL,omitempty"`

	// Redis optionally backs the decision cache with a shared Redis instance
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig defines a Redis connection for the consent decision cache
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db,omitempty"`

	// PasswordFile is the path to a file containing the Redis password
	PasswordFile string `yaml:"passwordFile,omitempty"`
}

// GetPassword returns the Redis password from the configured file or the
// BOOKSY_SYNC_REDIS_PASSWORD environment variable. An unauthenticated
// instance needs neither; an empty password is not an error.
func (r *RedisConfig) GetPassword() (string, error) {
	if r.PasswordFile != "" {
		data, err := os.ReadFile(filepath.Clean(r.PasswordFile))
		if err != nil {
			return "", fmt.Errorf("failed to read Redis password from file %s: %w", r.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return os.Getenv("BOOKSY_SYNC_REDIS_PASSWORD"), nil
}

// AvailabilityConfig defines reconciler settings
type AvailabilityConfig struct {
	// BufferMinutes is the padding applied around every merged window
	BufferMinutes int `yaml:"bufferMinutes,omitempty"`
}

// AuditConfig defines audit log retention
type AuditConfig struct {
	// RetentionDays is the compliance period; entries younger than this are
	// never pruned
	RetentionDays int `yaml:"retentionDays,omitempty"`
}

// AdminAuthConfig guards the admin API with bearer tokens. When omitted the
// admin endpoints are open; only do that behind a trusted network boundary.
type AdminAuthConfig struct {
	// SecretFile is the path to a file containing the JWT signing secret.
	// Falls back to the BOOKSY_SYNC_ADMIN_SECRET environment variable.
	SecretFile string `yaml:"secretFile,omitempty"`

	// Realm is the WWW-Authenticate protection space identifier
	Realm string `yaml:"realm,omitempty"`
}

// GetSecret returns the admin token signing secret using the same
// file-then-environment priority as the other secrets.
func (a *AdminAuthConfig) GetSecret() (string, error) {
	if a.SecretFile != "" {
		data, err := os.ReadFile(filepath.Clean(a.SecretFile))
		if err != nil {
			return "", fmt.Errorf("failed to read admin secret from file %s: %w", a.SecretFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envSecret := os.Getenv("BOOKSY_SYNC_ADMIN_SECRET"); envSecret != "" {
		return envSecret, nil
	}

	return "", fmt.Errorf("no admin secret configured: set secretFile or BOOKSY_SYNC_ADMIN_SECRET environment variable")
}

// AlertConfig defines monitoring thresholds
type AlertConfig struct {
	// MaxQueueDepth is the pending-operation count above which an alert fires
	MaxQueueDepth int `yaml:"maxQueueDepth,omitempty"`

	// MaxDeadletter is the dead-letter count above which an alert fires
	MaxDeadletter int `yaml:"maxDeadletter,omitempty"`

	// MaxConflictAge is the oldest tolerated unresolved conflict (e.g. "24h")
	MaxConflictAge string `yaml:"maxConflictAge,omitempty"`

	// MaxErrorRate is the remote error-rate fraction above which an alert
	// fires (0 disables the rule)
	MaxErrorRate float64 `yaml:"maxErrorRate,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// This is the recommended approach for production deployments.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum number of pooled connections
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from BOOKSY_SYNC_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("BOOKSY_SYNC_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or BOOKSY_SYNC_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	providerIDs := make(map[string]bool)
	for i, provider := range c.Providers {
		if provider.ID == "" {
			return fmt.Errorf("provider[%d]: id is required", i)
		}
		if providerIDs[provider.ID] {
			return fmt.Errorf("provider[%d]: duplicate provider id '%s'", i, provider.ID)
		}
		providerIDs[provider.ID] = true

		if provider.BusinessID == "" {
			return fmt.Errorf("provider[%d] (%s): businessId is required", i, provider.ID)
		}

		if err := validateSyncPolicy(provider.SyncPolicy, fmt.Sprintf("provider[%d] (%s)", i, provider.ID)); err != nil {
			return err
		}
	}

	if c.Hub.BaseURL == "" {
		return fmt.Errorf("hub.baseUrl is required")
	}
	if _, err := url.Parse(c.Hub.BaseURL); err != nil {
		return fmt.Errorf("hub.baseUrl is not a valid URL: %w", err)
	}

	if c.Booksy.BaseURL == "" {
		return fmt.Errorf("booksy.baseUrl is required")
	}
	if _, err := url.Parse(c.Booksy.BaseURL); err != nil {
		return fmt.Errorf("booksy.baseUrl is not a valid URL: %w", err)
	}

	for field, value := range map[string]string{
		"hub.requestTimeout":    c.Hub.RequestTimeout,
		"booksy.requestTimeout": c.Booksy.RequestTimeout,
		"queue.baseBackoff":     c.Queue.BaseBackoff,
		"queue.maxBackoff":      c.Queue.MaxBackoff,
		"queue.leaseDuration":   c.Queue.LeaseDuration,
		"queue.pollInterval":    c.Queue.PollInterval,
		"consent.cacheTTL":      c.Consent.CacheTTL,
		"alerts.maxConflictAge": c.Alerts.MaxConflictAge,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s must be a valid duration (e.g., '30s', '5m'): %w", field, err)
		}
	}

	if c.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers must not be negative")
	}
	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue.maxAttempts must not be negative")
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retentionDays must not be negative")
	}

	return nil
}

// validateSyncPolicy validates the sync policy configuration
func validateSyncPolicy(policy *SyncPolicyConfig, prefix string) error {
	if policy == nil || policy.Interval == "" {
		return fmt.Errorf("%s: syncPolicy.interval is required", prefix)
	}

	if _, err := time.ParseDuration(policy.Interval); err != nil {
		return fmt.Errorf("%s: syncPolicy.interval must be a valid duration (e.g., '30m', '1h'): %w", prefix, err)
	}

	return nil
}

// GetAPIKey returns the Booksy API key using the same file-then-environment
// priority as the database password.
func (b *BooksyConfig) GetAPIKey() (string, error) {
	if b.APIKeyFile != "" {
		data, err := os.ReadFile(filepath.Clean(b.APIKeyFile))
		if err != nil {
			return "", fmt.Errorf("failed to read API key from file %s: %w", b.APIKeyFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envKey := os.Getenv("BOOKSY_API_KEY"); envKey != "" {
		return envKey, nil
	}

	return "", fmt.Errorf("no Booksy API key configured: set apiKeyFile or BOOKSY_API_KEY environment variable")
}

// GetWebhookSecret returns the webhook signing secret using the same
// file-then-environment priority as the API key.
func (b *BooksyConfig) GetWebhookSecret() (string, error) {
	if b.WebhookSecretFile != "" {
		data, err := os.ReadFile(filepath.Clean(b.WebhookSecretFile))
		if err != nil {
			return "", fmt.Errorf("failed to read webhook secret from file %s: %w", b.WebhookSecretFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envSecret := os.Getenv("BOOKSY_WEBHOOK_SECRET"); envSecret != "" {
		return envSecret, nil
	}

	return "", fmt.Errorf("no webhook secret configured: set webhookSecretFile or BOOKSY_WEBHOOK_SECRET environment variable")
}

// Duration parses a duration field, falling back to def when the field is
// unset or does not parse. Config validation guarantees set values parse.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
