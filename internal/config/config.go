// Package config defines configuration parsing and helpers for the
// validation orchestrator and its workers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment
// variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// RedisURL is the shared key-value store backing rate-limit windows,
	// idempotency records, and per-provider result accumulation.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	// DBURL is the Postgres connection string backing the job and report
	// ledgers.
	DBURL string `env:"DB_URL" envDefault:""`

	// KafkaBrokers seeds the per-task-type queues (§5/§6).
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	// ConsumerGroupPrefix namespaces each task type's consumer group so
	// worker pools across task types never share offsets.
	ConsumerGroupPrefix string `env:"CONSUMER_GROUP_PREFIX" envDefault:"provider-validator"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"provider-validator"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	// RateLimitPerMin caps submit_batch requests per client IP on the
	// demonstration HTTP surface.
	RateLimitPerMin int `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`

	// IdempotencyTTL is the default record lifetime (§3: 24h default).
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	// QueueHighWaterMark caps per-task-type queue depth before
	// submit_batch returns backpressure errors (§5).
	QueueHighWaterMark int64 `env:"QUEUE_HIGH_WATER_MARK" envDefault:"10000"`

	// Per-task-type worker pool sizes (§5: higher for fast API sources,
	// lower for scraped sites).
	PoolSizeIdentifierCheck int `env:"POOL_SIZE_IDENTIFIER_CHECK" envDefault:"8"`
	PoolSizeGeocode         int `env:"POOL_SIZE_GEOCODE" envDefault:"8"`
	PoolSizeOCR             int `env:"POOL_SIZE_OCR" envDefault:"4"`
	PoolSizeLicenseCheck    int `env:"POOL_SIZE_LICENSE_CHECK" envDefault:"2"`
	PoolSizeEnrichment      int `env:"POOL_SIZE_ENRICHMENT" envDefault:"4"`

	// Per-task-type deadlines (§5).
	TimeoutIdentifierCheck time.Duration `env:"TIMEOUT_IDENTIFIER_CHECK" envDefault:"5m"`
	TimeoutGeocode         time.Duration `env:"TIMEOUT_GEOCODE" envDefault:"5m"`
	TimeoutOCR             time.Duration `env:"TIMEOUT_OCR" envDefault:"10m"`
	TimeoutLicenseCheck    time.Duration `env:"TIMEOUT_LICENSE_CHECK" envDefault:"5m"`
	TimeoutEnrichment      time.Duration `env:"TIMEOUT_ENRICHMENT" envDefault:"5m"`

	// LicenseBoardConfigPath points at the per-state configuration file
	// (state_code, base_url, search_url, selectors, ...) described in §6.
	LicenseBoardConfigPath string `env:"LICENSE_BOARD_CONFIG_PATH" envDefault:"configs/license_boards.yaml"`

	// MockExternalSources, when true, routes every worker adapter through
	// its deterministic mock implementation instead of issuing real HTTP
	// calls — the "mock-tolerant behavior for offline operation" carried
	// from the connector policy layer.
	MockExternalSources bool `env:"MOCK_EXTERNAL_SOURCES" envDefault:"false"`

	RetryConfig
	ConnectorConfig
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// TaskTimeout returns the configured deadline for a task type, per §5.
func (c Config) TaskTimeout(taskType string) time.Duration {
	switch taskType {
	case "identifier_check":
		return c.TimeoutIdentifierCheck
	case "geocode":
		return c.TimeoutGeocode
	case "ocr":
		return c.TimeoutOCR
	case "license_check":
		return c.TimeoutLicenseCheck
	case "enrichment":
		return c.TimeoutEnrichment
	default:
		return 5 * time.Minute
	}
}

// PoolSize returns the configured worker pool size for a task type.
func (c Config) PoolSize(taskType string) int {
	switch taskType {
	case "identifier_check":
		return c.PoolSizeIdentifierCheck
	case "geocode":
		return c.PoolSizeGeocode
	case "ocr":
		return c.PoolSizeOCR
	case "license_check":
		return c.PoolSizeLicenseCheck
	case "enrichment":
		return c.PoolSizeEnrichment
	default:
		return 1
	}
}
