package config

import "time"

// ConnectorConfig holds per-connector rate-limit and circuit-breaker
// defaults, per §4.4 and §4.5.
type ConnectorConfig struct {
	RateLimitIdentifierRPS float64 `env:"RATE_LIMIT_IDENTIFIER_RPS" envDefault:"10"`
	RateLimitIdentifierRPM int     `env:"RATE_LIMIT_IDENTIFIER_RPM" envDefault:"600"`
	RateLimitGeocodeRPS    float64 `env:"RATE_LIMIT_GEOCODE_RPS" envDefault:"10"`
	RateLimitGeocodeRPM    int     `env:"RATE_LIMIT_GEOCODE_RPM" envDefault:"600"`
	RateLimitOCRRPS        float64 `env:"RATE_LIMIT_OCR_RPS" envDefault:"10"`
	RateLimitOCRRPM        int     `env:"RATE_LIMIT_OCR_RPM" envDefault:"600"`
	RateLimitLicenseRPS    float64 `env:"RATE_LIMIT_LICENSE_RPS" envDefault:"0.5"`
	RateLimitLicenseRPM    int     `env:"RATE_LIMIT_LICENSE_RPM" envDefault:"30"`
	RateLimitEnrichmentRPS float64 `env:"RATE_LIMIT_ENRICHMENT_RPS" envDefault:"2"`
	RateLimitEnrichmentRPM int     `env:"RATE_LIMIT_ENRICHMENT_RPM" envDefault:"120"`

	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`

	// CircuitBreaker defaults: 5 consecutive failures / 60s recovery / 3
	// half-open probes for API connectors, 3/120s/3 for scraped sites.
	CBFailureThreshold        int           `env:"CB_FAILURE_THRESHOLD" envDefault:"5"`
	CBRecoveryTimeout         time.Duration `env:"CB_RECOVERY_TIMEOUT" envDefault:"60s"`
	CBHalfOpenMaxCalls        int           `env:"CB_HALF_OPEN_MAX_CALLS" envDefault:"3"`
	CBScrapedFailureThreshold int           `env:"CB_SCRAPED_FAILURE_THRESHOLD" envDefault:"3"`
	CBScrapedRecoveryTimeout  time.Duration `env:"CB_SCRAPED_RECOVERY_TIMEOUT" envDefault:"120s"`
	CBScrapedHalfOpenMaxCalls int           `env:"CB_SCRAPED_HALF_OPEN_MAX_CALLS" envDefault:"3"`
}

// RateLimitSpec is the (requests-per-second, requests-per-minute) pair for
// one connector.
type RateLimitSpec struct {
	PerSecond float64
	PerMinute int
	Window    time.Duration
}

// RateLimitFor returns the configured rate-limit spec for a connector name.
func (c ConnectorConfig) RateLimitFor(connector string) RateLimitSpec {
	w := c.RateLimitWindow
	switch connector {
	case "identifier_check":
		return RateLimitSpec{c.RateLimitIdentifierRPS, c.RateLimitIdentifierRPM, w}
	case "geocode":
		return RateLimitSpec{c.RateLimitGeocodeRPS, c.RateLimitGeocodeRPM, w}
	case "ocr":
		return RateLimitSpec{c.RateLimitOCRRPS, c.RateLimitOCRRPM, w}
	case "license_check":
		return RateLimitSpec{c.RateLimitLicenseRPS, c.RateLimitLicenseRPM, w}
	case "enrichment":
		return RateLimitSpec{c.RateLimitEnrichmentRPS, c.RateLimitEnrichmentRPM, w}
	default:
		return RateLimitSpec{1, 60, w}
	}
}

// CircuitBreakerSpec is the (failure_threshold, recovery_timeout,
// half_open_max_calls) tuple for one connector.
type CircuitBreakerSpec struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// CircuitBreakerFor returns the configured breaker spec, using the
// scraped-site defaults when scraped is true.
func (c ConnectorConfig) CircuitBreakerFor(scraped bool) CircuitBreakerSpec {
	if scraped {
		return CircuitBreakerSpec{c.CBScrapedFailureThreshold, c.CBScrapedRecoveryTimeout, c.CBScrapedHalfOpenMaxCalls}
	}
	return CircuitBreakerSpec{c.CBFailureThreshold, c.CBRecoveryTimeout, c.CBHalfOpenMaxCalls}
}
