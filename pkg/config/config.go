package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foliocms/folio/pkg/auth"
	"github.com/foliocms/folio/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server           ServerConfig
	Database         DatabaseConfig
	Redis            RedisConfig
	IdentityProvider IdentityProviderConfig
	RateLimits       RateLimitConfig
	Usage            UsageConfig
	Observability    ObservabilityConfig

	// SystemAdmins are subject IDs granted unrestricted access to every
	// tenant, parsed once at startup.
	SystemAdmins []uuid.UUID
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	PingTimeout  time.Duration
}

// RedisConfig holds the counter-store settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// IdentityProviderConfig holds bearer-token verification settings
type IdentityProviderConfig struct {
	// IssuerURL is the OIDC issuer used for discovery and iss enforcement.
	IssuerURL string
	// JWKSURL bypasses discovery when set.
	JWKSURL string
	// KeyFreshness is how long a fetched key set is considered fresh.
	KeyFreshness time.Duration
}

// RateLimitConfig holds limiter settings
type RateLimitConfig struct {
	// Anonymous is the per-IP profile for unauthenticated requests.
	Anonymous auth.RateLimitProfile
	// OverridesPath optionally points at a YAML file of per-subject
	// profile overrides, hot-reloaded on change.
	OverridesPath string
	KeyPrefix     string
}

// UsageConfig holds usage-recording settings
type UsageConfig struct {
	BufferSize int
	Retention  time.Duration
	// LogOnly skips the database sink and writes usage to the log stream.
	LogOnly bool
	// LogMirror writes usage to the log stream in addition to the database.
	LogMirror bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("FOLIO_HOST", "0.0.0.0"),
			Port:            getEnv("FOLIO_PORT", "8080"),
			ReadTimeout:     getEnvDuration("FOLIO_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("FOLIO_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("FOLIO_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("FOLIO_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:          getEnv("FOLIO_POSTGRES_URL", "postgres://localhost/folio?sslmode=disable"),
			MaxOpenConns: getEnvInt("FOLIO_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("FOLIO_POSTGRES_IDLE_CONNS", 5),
			PingTimeout:  getEnvDuration("FOLIO_POSTGRES_PING_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("FOLIO_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("FOLIO_REDIS_PASSWORD", ""),
			DB:       getEnvInt("FOLIO_REDIS_DB", 0),
		},
		IdentityProvider: IdentityProviderConfig{
			IssuerURL:    getEnv("FOLIO_IDP_ISSUER_URL", ""),
			JWKSURL:      getEnv("FOLIO_IDP_JWKS_URL", ""),
			KeyFreshness: getEnvDuration("FOLIO_IDP_KEY_FRESHNESS", 15*time.Minute),
		},
		RateLimits: RateLimitConfig{
			Anonymous: auth.RateLimitProfile{
				PerSecond: getEnvInt("FOLIO_RATELIMIT_ANON_PER_SECOND", 10),
				PerMinute: getEnvInt("FOLIO_RATELIMIT_ANON_PER_MINUTE", 120),
				PerHour:   getEnvInt("FOLIO_RATELIMIT_ANON_PER_HOUR", 2000),
				PerDay:    getEnvInt("FOLIO_RATELIMIT_ANON_PER_DAY", 10000),
			},
			OverridesPath: getEnv("FOLIO_RATELIMIT_OVERRIDES_PATH", ""),
			KeyPrefix:     getEnv("FOLIO_RATELIMIT_KEY_PREFIX", "ratelimit"),
		},
		Usage: UsageConfig{
			BufferSize: getEnvInt("FOLIO_USAGE_BUFFER_SIZE", 1024),
			Retention:  getEnvDuration("FOLIO_USAGE_RETENTION", 90*24*time.Hour),
			LogOnly:    getEnvBool("FOLIO_USAGE_LOG_ONLY", false),
			LogMirror:  getEnvBool("FOLIO_USAGE_LOG_MIRROR", false),
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.ParseLogLevel(getEnv("FOLIO_LOG_LEVEL", "info")),
			OTelEnabled:        getEnvBool("FOLIO_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("FOLIO_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("FOLIO_OTEL_SERVICE_NAME", "folio-gateway"),
			OTelServiceVersion: getEnv("FOLIO_OTEL_SERVICE_VERSION", "dev"),
			OTelInsecure:       getEnvBool("FOLIO_OTEL_INSECURE", true),
		},
	}

	admins, err := parseSystemAdmins(getEnv("FOLIO_SYSTEM_ADMINS", ""))
	if err != nil {
		return nil, err
	}
	cfg.SystemAdmins = admins

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// parseSystemAdmins parses a comma-separated subject ID list.
func parseSystemAdmins(raw string) ([]uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	var admins []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("invalid system admin subject %q: %w", part, err)
		}
		admins = append(admins, id)
	}
	return admins, nil
}

// Validate checks the configuration for contradictions and missing values.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("FOLIO_POSTGRES_URL is required")
	}
	if c.IdentityProvider.IssuerURL == "" && c.IdentityProvider.JWKSURL == "" {
		return fmt.Errorf("one of FOLIO_IDP_ISSUER_URL or FOLIO_IDP_JWKS_URL is required")
	}
	if c.IdentityProvider.KeyFreshness <= 0 {
		return fmt.Errorf("FOLIO_IDP_KEY_FRESHNESS must be positive")
	}
	if c.Usage.BufferSize <= 0 {
		return fmt.Errorf("FOLIO_USAGE_BUFFER_SIZE must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
