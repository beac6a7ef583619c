package config

import "time"

// RetryConfig holds the default retry/backoff knobs applied to API-style
// connectors (identifier registry, geocoder, enrichment). Scraped sources
// (the licensing board) use the slower Scraped* defaults below instead,
// per §4.5.
type RetryConfig struct {
	RetryMaxRetries int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay  time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay   time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryExponential bool         `env:"RETRY_EXPONENTIAL" envDefault:"true"`

	ScrapedRetryMaxRetries  int           `env:"SCRAPED_RETRY_MAX_RETRIES" envDefault:"5"`
	ScrapedRetryBaseDelay   time.Duration `env:"SCRAPED_RETRY_BASE_DELAY" envDefault:"2s"`
	ScrapedRetryMaxDelay    time.Duration `env:"SCRAPED_RETRY_MAX_DELAY" envDefault:"60s"`
	ScrapedRetryExponential bool          `env:"SCRAPED_RETRY_EXPONENTIAL" envDefault:"true"`
}

// RetryParams is the (max_retries, base_delay, max_delay, exponential)
// tuple consumed by internal/resilience.Retryer.
type RetryParams struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponential bool
}

// ForConnector returns the retry parameters for a connector, using the
// scraped-site defaults for connectors flagged as such.
func (c RetryConfig) ForConnector(scraped bool) RetryParams {
	if scraped {
		return RetryParams{
			MaxRetries:  c.ScrapedRetryMaxRetries,
			BaseDelay:   c.ScrapedRetryBaseDelay,
			MaxDelay:    c.ScrapedRetryMaxDelay,
			Exponential: c.ScrapedRetryExponential,
		}
	}
	return RetryParams{
		MaxRetries:  c.RetryMaxRetries,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		Exponential: c.RetryExponential,
	}
}
