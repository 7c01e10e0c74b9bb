package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/loom/pkg/observability"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names an optional YAML file applied before environment overrides
const ConfigFileEnv = "LOOM_CONFIG_FILE"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	RBAC          RBACConfig          `yaml:"rbac"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig selects and tunes the RBAC store
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres or sqlite3
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// RedisConfig configures cross-instance cache invalidation. Empty URL disables it.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Enabled reports whether a Redis URL is configured
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// AuthConfig selects how requests are identified
type AuthConfig struct {
	Mode string `yaml:"mode"` // header or oidc

	OIDCIssuer            string `yaml:"oidc_issuer"`
	OIDCClientID          string `yaml:"oidc_client_id"`
	OIDCOrganizationClaim string `yaml:"oidc_organization_claim"`
	OIDCUserInfoFallback  bool   `yaml:"oidc_userinfo_fallback"`
}

// RBACConfig tunes the permission resolver
type RBACConfig struct {
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	CacheSize   int           `yaml:"cache_size"`
	SeedOnStart bool          `yaml:"seed_on_start"`

	// ResyncSchedule is a cron spec for re-seeding system roles; empty disables it
	ResyncSchedule string `yaml:"resync_schedule"`
}

// AuditConfig configures the audit sink
type AuditConfig struct {
	BufferSize int    `yaml:"buffer_size"`
	Output     string `yaml:"output"` // stdout, stderr or discard

	// Optional S3 archive; empty bucket disables it
	S3Bucket        string        `yaml:"s3_bucket"`
	S3Prefix        string        `yaml:"s3_prefix"`
	S3Region        string        `yaml:"s3_region"`
	S3Endpoint      string        `yaml:"s3_endpoint"`
	S3AccessKey     string        `yaml:"s3_access_key"`
	S3SecretKey     string        `yaml:"s3_secret_key"`
	S3UsePathStyle  bool          `yaml:"s3_use_path_style"`
	S3FlushInterval time.Duration `yaml:"s3_flush_interval"`
	S3BatchSize     int           `yaml:"s3_batch_size"`
}

// ArchiveEnabled reports whether audit events are also archived to S3
func (a AuditConfig) ArchiveEnabled() bool {
	return a.S3Bucket != ""
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level returns the parsed log level
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// OTel converts the settings for observability.InitOTel
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite3",
			URL:             "file:loom.db?_foreign_keys=on&_busy_timeout=5000",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  5 * time.Second,
		},
		Redis: RedisConfig{
			Channel: "loom:rbac:invalidate",
		},
		Auth: AuthConfig{
			Mode:                  "header",
			OIDCOrganizationClaim: "org_id",
		},
		RBAC: RBACConfig{
			CacheTTL:    time.Minute,
			CacheSize:   1024,
			SeedOnStart: true,
		},
		Audit: AuditConfig{
			BufferSize:      1024,
			Output:          "stdout",
			S3Prefix:        "audit",
			S3Region:        "us-east-1",
			S3FlushInterval: time.Minute,
			S3BatchSize:     500,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "loom",
			OTelServiceVersion: "dev",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig builds configuration from defaults, the optional YAML file named by
// LOOM_CONFIG_FILE, then LOOM_* environment variables, and validates the result.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv(ConfigFileEnv, ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("LOOM_HOST", s.Host)
	s.Port = getEnv("LOOM_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("LOOM_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("LOOM_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("LOOM_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("LOOM_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("LOOM_MAX_BODY_BYTES", s.MaxBodyBytes)
	s.HealthPort = getEnv("LOOM_HEALTH_PORT", s.HealthPort)

	d := &c.Database
	d.Driver = getEnv("LOOM_DB_DRIVER", d.Driver)
	d.URL = getEnv("LOOM_DB_URL", d.URL)
	d.MaxOpenConns = getEnvInt("LOOM_DB_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("LOOM_DB_MAX_IDLE_CONNS", d.MaxIdleConns)
	d.ConnMaxLifetime = getEnvDuration("LOOM_DB_CONN_MAX_LIFETIME", d.ConnMaxLifetime)
	d.ConnectTimeout = getEnvDuration("LOOM_DB_CONNECT_TIMEOUT", d.ConnectTimeout)

	r := &c.Redis
	r.URL = getEnv("LOOM_REDIS_URL", r.URL)
	r.Password = getEnv("LOOM_REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("LOOM_REDIS_DB", r.DB)
	r.Channel = getEnv("LOOM_REDIS_CHANNEL", r.Channel)

	a := &c.Auth
	a.Mode = getEnv("LOOM_AUTH_MODE", a.Mode)
	a.OIDCIssuer = getEnv("LOOM_OIDC_ISSUER", a.OIDCIssuer)
	a.OIDCClientID = getEnv("LOOM_OIDC_CLIENT_ID", a.OIDCClientID)
	a.OIDCOrganizationClaim = getEnv("LOOM_OIDC_ORGANIZATION_CLAIM", a.OIDCOrganizationClaim)
	a.OIDCUserInfoFallback = getEnvBool("LOOM_OIDC_USERINFO_FALLBACK", a.OIDCUserInfoFallback)

	c.RBAC.CacheTTL = getEnvDuration("LOOM_RBAC_CACHE_TTL", c.RBAC.CacheTTL)
	c.RBAC.CacheSize = getEnvInt("LOOM_RBAC_CACHE_SIZE", c.RBAC.CacheSize)
	c.RBAC.SeedOnStart = getEnvBool("LOOM_RBAC_SEED_ON_START", c.RBAC.SeedOnStart)
	c.RBAC.ResyncSchedule = getEnv("LOOM_RBAC_RESYNC_SCHEDULE", c.RBAC.ResyncSchedule)

	c.Audit.BufferSize = getEnvInt("LOOM_AUDIT_BUFFER_SIZE", c.Audit.BufferSize)
	c.Audit.Output = getEnv("LOOM_AUDIT_OUTPUT", c.Audit.Output)
	c.Audit.S3Bucket = getEnv("LOOM_AUDIT_S3_BUCKET", c.Audit.S3Bucket)
	c.Audit.S3Prefix = getEnv("LOOM_AUDIT_S3_PREFIX", c.Audit.S3Prefix)
	c.Audit.S3Region = getEnv("LOOM_AUDIT_S3_REGION", c.Audit.S3Region)
	c.Audit.S3Endpoint = getEnv("LOOM_AUDIT_S3_ENDPOINT", c.Audit.S3Endpoint)
	c.Audit.S3AccessKey = getEnv("LOOM_AUDIT_S3_ACCESS_KEY", c.Audit.S3AccessKey)
	c.Audit.S3SecretKey = getEnv("LOOM_AUDIT_S3_SECRET_KEY", c.Audit.S3SecretKey)
	c.Audit.S3UsePathStyle = getEnvBool("LOOM_AUDIT_S3_USE_PATH_STYLE", c.Audit.S3UsePathStyle)
	c.Audit.S3FlushInterval = getEnvDuration("LOOM_AUDIT_S3_FLUSH_INTERVAL", c.Audit.S3FlushInterval)
	c.Audit.S3BatchSize = getEnvInt("LOOM_AUDIT_S3_BATCH_SIZE", c.Audit.S3BatchSize)

	o := &c.Observability
	o.LogLevel = getEnv("LOOM_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("LOOM_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("LOOM_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("LOOM_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("LOOM_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("LOOM_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("LOOM_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("LOOM_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	if c.Redis.Enabled() && c.Redis.Channel == "" {
		return fmt.Errorf("redis channel is required when redis is configured")
	}

	switch c.Auth.Mode {
	case "header":
	case "oidc":
		if c.Auth.OIDCIssuer == "" || c.Auth.OIDCClientID == "" {
			return fmt.Errorf("oidc issuer and client id are required when auth mode is oidc")
		}
	default:
		return fmt.Errorf("invalid auth mode: %s (must be header or oidc)", c.Auth.Mode)
	}

	if c.RBAC.CacheSize < 0 {
		return fmt.Errorf("rbac cache size must not be negative")
	}
	if c.RBAC.CacheTTL < 0 {
		return fmt.Errorf("rbac cache TTL must not be negative")
	}
	if c.RBAC.ResyncSchedule != "" {
		if _, err := cron.ParseStandard(c.RBAC.ResyncSchedule); err != nil {
			return fmt.Errorf("invalid rbac resync schedule: %w", err)
		}
	}

	switch c.Audit.Output {
	case "stdout", "stderr", "discard":
	default:
		return fmt.Errorf("invalid audit output: %s (must be stdout, stderr or discard)", c.Audit.Output)
	}
	if c.Audit.ArchiveEnabled() && c.Audit.S3Region == "" {
		return fmt.Errorf("audit S3 region is required when an archive bucket is set")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
