// Package config loads the gateway's core operational knobs (spec §6) from
// YAML plus environment overrides, adapted from the teacher's
// internal/config.Load (viper-backed features.yaml loader).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// CoreConfig is the gateway-wide configuration surface from spec §6.
type CoreConfig struct {
	RequireProductionKeys        bool     `mapstructure:"require_production_keys"`
	DefaultConnectorTimeoutSecs  int      `mapstructure:"default_connector_timeout_seconds"`
	MaxRequestBytes              int64    `mapstructure:"max_request_bytes"`
	MaxResponseBytes             int64    `mapstructure:"max_response_bytes"`
	GlobalAllowedWebhookDomains  []string `mapstructure:"global_allowed_webhook_domains"`
	OverrideTokenTTLSeconds      int      `mapstructure:"override_token_ttl_seconds"`
	ApprovalExpirySeconds        int      `mapstructure:"approval_expiry_seconds"`
	AllowHTTPInConnectors        bool     `mapstructure:"allow_http_in_connectors"`

	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Secrets     SecretsConfig     `mapstructure:"secrets"`
	Storage     StorageConfig     `mapstructure:"storage"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	CircuitBrk  CircuitBreakerCfg `mapstructure:"circuit_breaker"`
}

// ServerConfig configures internal/httpapi's listener.
type ServerConfig struct {
	Addr            string `mapstructure:"addr"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig configures the gateway's zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SecretsConfig selects which internal/secrets.Provider backs tool auth
// credential and gateway signing-key resolution.
type SecretsConfig struct {
	Provider  string `mapstructure:"provider"` // "env" or "static" (tests only)
	EnvPrefix string `mapstructure:"env_prefix"`
}

// StorageConfig selects the backing store implementation for manifests,
// approvals, counters, and the audit chain. Driver is "memory"
// (single-process only), "file", or "postgres"; with "postgres",
// RedisAddr selects Redis-backed counters, the multi-worker-safe
// backends per spec §5.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
	AuditLogDir string `mapstructure:"audit_log_dir"`
	ManifestDir string `mapstructure:"manifest_dir"`
}

// RateLimitConfig bounds per-tool outbound connector throughput.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// CircuitBreakerCfg configures the connector's per-tool circuit breaker.
type CircuitBreakerCfg struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	ResetTimeoutMs   int `mapstructure:"reset_timeout_ms"`
	HalfOpenRequests int `mapstructure:"half_open_requests"`
}

// defaults applies spec §6's stated defaults to zero-valued fields.
func (c *CoreConfig) applyDefaults() {
	if c.DefaultConnectorTimeoutSecs == 0 {
		c.DefaultConnectorTimeoutSecs = 30
	}
	if c.MaxRequestBytes == 0 {
		c.MaxRequestBytes = 1 << 20
	}
	if c.MaxResponseBytes == 0 {
		c.MaxResponseBytes = 1 << 20
	}
	if c.OverrideTokenTTLSeconds == 0 {
		c.OverrideTokenTTLSeconds = 300
	}
	if c.ApprovalExpirySeconds == 0 {
		c.ApprovalExpirySeconds = 86400
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8443"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Secrets.Provider == "" {
		c.Secrets.Provider = "env"
	}
	if c.Secrets.EnvPrefix == "" {
		c.Secrets.EnvPrefix = "GATEWAY_SECRET_"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.AuditLogDir == "" {
		c.Storage.AuditLogDir = "data/audit"
	}
	if c.Storage.ManifestDir == "" {
		c.Storage.ManifestDir = "data/manifests"
	}
	if c.CircuitBrk.FailureThreshold == 0 {
		c.CircuitBrk.FailureThreshold = 5
	}
	if c.CircuitBrk.ResetTimeoutMs == 0 {
		c.CircuitBrk.ResetTimeoutMs = 60000
	}
	if c.CircuitBrk.HalfOpenRequests == 0 {
		c.CircuitBrk.HalfOpenRequests = 1
	}
}

// Validate enforces the override TTL range (positive, at most 900s), which
// default values alone cannot guarantee. It does not check
// RequireProductionKeys; that flag is acted on when the signing keys are
// loaded.
func (c CoreConfig) Validate() error {
	if c.OverrideTokenTTLSeconds > 900 {
		return fmt.Errorf("config: override_token_ttl_seconds %d exceeds the 900s maximum", c.OverrideTokenTTLSeconds)
	}
	if c.OverrideTokenTTLSeconds <= 0 {
		return fmt.Errorf("config: override_token_ttl_seconds must be positive")
	}
	return nil
}

// OverrideTokenTTL returns the configured override TTL as a Duration.
func (c CoreConfig) OverrideTokenTTL() time.Duration {
	return time.Duration(c.OverrideTokenTTLSeconds) * time.Second
}

// ApprovalExpiry returns the configured approval expiry as a Duration.
func (c CoreConfig) ApprovalExpiry() time.Duration {
	return time.Duration(c.ApprovalExpirySeconds) * time.Second
}

// DefaultConnectorTimeout returns the configured per-tool default timeout
// as a Duration.
func (c CoreConfig) DefaultConnectorTimeout() time.Duration {
	return time.Duration(c.DefaultConnectorTimeoutSecs) * time.Second
}

// Load loads CoreConfig from GATEWAY_CONFIG_PATH, falling back to
// /app/config/gateway.yaml then config/gateway.yaml. Keys present in the
// YAML file can be overridden by a GATEWAY_<KEY> environment variable
// (e.g. GATEWAY_MAX_REQUEST_BYTES); no key replacer is set, so nested keys
// are not mapped to underscore names, and when the file does not exist
// the defaults are returned without consulting the environment. This
// follows the teacher's Load's env-override layering over a viper-parsed
// YAML base.
func Load() (*CoreConfig, error) {
	cfgPath := os.Getenv("GATEWAY_CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("/app/config/gateway.yaml"); err == nil {
			cfgPath = "/app/config/gateway.yaml"
		} else {
			cfgPath = "config/gateway.yaml"
		}
	}
	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "gateway.yaml")
	}

	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.AutomaticEnv()
	v.SetConfigFile(cfgPath)

	var cfg CoreConfig
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			if verr := cfg.Validate(); verr != nil {
				return nil, verr
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", cfgPath, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
