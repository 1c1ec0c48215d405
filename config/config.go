// Package config defines the TOML configuration surface of crake and the
// helpers to load and validate it.
package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/crake/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// S3Config holds object storage configuration
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"` // Enable detailed S3 request/response tracing
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// GetDebug returns the debug flag
func (s *S3Config) GetDebug() bool {
	return s.Debug
}

// LocalCacheConfig holds the on-disk object cache configuration
type LocalCacheConfig struct {
	Capacity         string `toml:"capacity"`
	MaxObjectSize    string `toml:"max_object_size"`
	Path             string `toml:"path"`
	MetricsInterval  string `toml:"metrics_interval"`
	PurgeInterval    string `toml:"purge_interval"`
	OrphanCleanupAge string `toml:"orphan_cleanup_age"`
}

// GetCapacity parses the cache capacity size
func (c *LocalCacheConfig) GetCapacity() (int64, error) {
	if c.Capacity == "" {
		c.Capacity = "1gb"
	}
	return helpers.ParseSize(c.Capacity)
}

// GetMaxObjectSize parses the max object size
func (c *LocalCacheConfig) GetMaxObjectSize() (int64, error) {
	if c.MaxObjectSize == "" {
		c.MaxObjectSize = "5mb"
	}
	return helpers.ParseSize(c.MaxObjectSize)
}

// GetMetricsInterval parses the metrics collection interval duration
func (c *LocalCacheConfig) GetMetricsInterval() (time.Duration, error) {
	if c.MetricsInterval == "" {
		c.MetricsInterval = "5m"
	}
	return helpers.ParseDuration(c.MetricsInterval)
}

// GetPurgeInterval parses the purge interval duration
func (c *LocalCacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		c.PurgeInterval = "12h"
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

// GetOrphanCleanupAge parses the orphan cleanup age duration
func (c *LocalCacheConfig) GetOrphanCleanupAge() (time.Duration, error) {
	if c.OrphanCleanupAge == "" {
		c.OrphanCleanupAge = "30d"
	}
	return helpers.ParseDuration(c.OrphanCleanupAge)
}

// FetchConfig holds configuration for fetching externalized part content.
type FetchConfig struct {
	UserAgent         string `toml:"user_agent"`         // User-Agent header sent on HTTP fetches
	InactivityTimeout string `toml:"inactivity_timeout"` // Abort a fetch when no data arrives for this long
	MaxRetries        int    `toml:"max_retries"`        // Retry attempts for transient storage errors
	RetryInterval     string `toml:"retry_interval"`     // Initial backoff between retries
}

// GetInactivityTimeout parses the fetch inactivity timeout duration
func (f *FetchConfig) GetInactivityTimeout() (time.Duration, error) {
	if f.InactivityTimeout == "" {
		f.InactivityTimeout = "60s"
	}
	return helpers.ParseDuration(f.InactivityTimeout)
}

// GetMaxRetries returns the retry attempt count
func (f *FetchConfig) GetMaxRetries() int {
	if f.MaxRetries <= 0 {
		return 3
	}
	return f.MaxRetries
}

// GetRetryInterval parses the initial retry backoff duration
func (f *FetchConfig) GetRetryInterval() (time.Duration, error) {
	if f.RetryInterval == "" {
		f.RetryInterval = "500ms"
	}
	return helpers.ParseDuration(f.RetryInterval)
}

// IngestConfig holds message ingestion configuration.
type IngestConfig struct {
	ExternalizeThreshold string `toml:"externalize_threshold"` // Parts at or above this size are moved to object storage
	MaxMessageSize       string `toml:"max_message_size"`      // Reject messages larger than this
}

// GetExternalizeThreshold parses the externalization threshold size
func (i *IngestConfig) GetExternalizeThreshold() (int64, error) {
	if i.ExternalizeThreshold == "" {
		i.ExternalizeThreshold = "128kb"
	}
	return helpers.ParseSize(i.ExternalizeThreshold)
}

// GetMaxMessageSize parses the maximum accepted message size
func (i *IngestConfig) GetMaxMessageSize() (int64, error) {
	if i.MaxMessageSize == "" {
		i.MaxMessageSize = "50mb"
	}
	return helpers.ParseSize(i.MaxMessageSize)
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// MetricsConfig holds Prometheus metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	S3         S3Config         `toml:"s3"`
	LocalCache LocalCacheConfig `toml:"local_cache"`
	Fetch      FetchConfig      `toml:"fetch"`
	Ingest     IngestConfig     `toml:"ingest"`
	HTTPAPI    HTTPAPIConfig    `toml:"http_api"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",  // Default to stderr
			Format: "console", // Default to console format
			Level:  "info",    // Default to info level
		},
		S3: S3Config{
			Endpoint:      "",
			AccessKey:     "",
			SecretKey:     "",
			Bucket:        "",
			Encrypt:       false,
			EncryptionKey: "",
		},
		LocalCache: LocalCacheConfig{
			Capacity:         "1gb",
			MaxObjectSize:    "5mb",
			Path:             "/tmp/crake/cache",
			MetricsInterval:  "5m",
			PurgeInterval:    "12h",
			OrphanCleanupAge: "30d",
		},
		Fetch: FetchConfig{
			UserAgent:         "crake/1.0",
			InactivityTimeout: "60s",
			MaxRetries:        3,
			RetryInterval:     "500ms",
		},
		Ingest: IngestConfig{
			ExternalizeThreshold: "128kb",
			MaxMessageSize:       "50mb",
		},
		HTTPAPI: HTTPAPIConfig{
			Start: true,
			Addr:  ":8980",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Validate checks the configuration for contradictions that would only
// surface at runtime otherwise.
func (c *Config) Validate() error {
	if c.HTTPAPI.TLS {
		if c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "" {
			return fmt.Errorf("http_api: tls enabled but tls_cert_file or tls_key_file not set")
		}
	}
	if c.S3.Endpoint != "" {
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3: endpoint set but bucket not set")
		}
		if c.S3.Encrypt && c.S3.EncryptionKey == "" {
			return fmt.Errorf("s3: encrypt enabled but encryption_key not set")
		}
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics: enabled but addr not set")
	}

	if _, err := c.LocalCache.GetCapacity(); err != nil {
		return fmt.Errorf("local_cache: invalid capacity: %w", err)
	}
	if _, err := c.LocalCache.GetMaxObjectSize(); err != nil {
		return fmt.Errorf("local_cache: invalid max_object_size: %w", err)
	}
	if _, err := c.LocalCache.GetMetricsInterval(); err != nil {
		return fmt.Errorf("local_cache: invalid metrics_interval: %w", err)
	}
	if _, err := c.LocalCache.GetPurgeInterval(); err != nil {
		return fmt.Errorf("local_cache: invalid purge_interval: %w", err)
	}
	if _, err := c.LocalCache.GetOrphanCleanupAge(); err != nil {
		return fmt.Errorf("local_cache: invalid orphan_cleanup_age: %w", err)
	}
	if _, err := c.Ingest.GetExternalizeThreshold(); err != nil {
		return fmt.Errorf("ingest: invalid externalize_threshold: %w", err)
	}
	if _, err := c.Ingest.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("ingest: invalid max_message_size: %w", err)
	}
	if _, err := c.Fetch.GetInactivityTimeout(); err != nil {
		return fmt.Errorf("fetch: invalid inactivity_timeout: %w", err)
	}
	if _, err := c.Fetch.GetRetryInterval(); err != nil {
		return fmt.Errorf("fetch: invalid retry_interval: %w", err)
	}

	threshold, _ := c.Ingest.GetExternalizeThreshold()
	maxSize, _ := c.Ingest.GetMaxMessageSize()
	if threshold > maxSize {
		return fmt.Errorf("ingest: externalize_threshold (%s) exceeds max_message_size (%s)",
			helpers.FormatBytes(threshold), helpers.FormatBytes(maxSize))
	}

	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims
// whitespace from all string fields. Unknown keys produce warnings but do
// not fail the load; syntax errors fail with helpful messages.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	// Capture metadata so unknown keys can be reported
	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
		log.Printf("WARNING: These keys may be typos or deprecated settings. Please review your configuration.")
	}

	// Trim whitespace from all string fields in the configuration
	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds hints for the most common TOML mistakes.
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - All brackets and braces are balanced\n"+
			"  - Section headers use [section] format", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields.
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
