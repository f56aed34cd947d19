package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tidal-guard/internal/circuitbreaker"
	apperrors "tidal-guard/internal/common/errors"
	"tidal-guard/internal/ratelimit"
	"tidal-guard/internal/retry"
)

// DefaultCountryCode is used when no valid country code is configured.
const DefaultCountryCode = "US"

// Settings is an immutable snapshot of the throttling and failure-isolation
// tuning. Replace it as a whole; never mutate a shared copy.
type Settings struct {
	SearchRequestsPerHour   float64 `mapstructure:"search_requests_per_hour" yaml:"search_requests_per_hour" json:"search_requests_per_hour"`
	DownloadRequestsPerHour float64 `mapstructure:"download_requests_per_hour" yaml:"download_requests_per_hour" json:"download_requests_per_hour"`
	SearchMaxConcurrent     int     `mapstructure:"search_max_concurrent" yaml:"search_max_concurrent" json:"search_max_concurrent"`
	DownloadMaxConcurrent   int     `mapstructure:"download_max_concurrent" yaml:"download_max_concurrent" json:"download_max_concurrent"`

	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold" json:"failure_threshold"`
	BreakDuration    time.Duration `mapstructure:"break_duration" yaml:"break_duration" json:"break_duration"`
	FailureWindow    time.Duration `mapstructure:"failure_window" yaml:"failure_window" json:"failure_window"`

	MaxRetries         int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	RetryInitialDelay  time.Duration `mapstructure:"retry_initial_delay" yaml:"retry_initial_delay" json:"retry_initial_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay" json:"retry_max_delay"`
	RetryBackoffFactor float64       `mapstructure:"retry_backoff_factor" yaml:"retry_backoff_factor" json:"retry_backoff_factor"`
	RetryJitter        bool          `mapstructure:"retry_jitter" yaml:"retry_jitter" json:"retry_jitter"`

	SlotTimeout  time.Duration `mapstructure:"slot_timeout" yaml:"slot_timeout" json:"slot_timeout"`
	TokenTimeout time.Duration `mapstructure:"token_timeout" yaml:"token_timeout" json:"token_timeout"`
	RateCeiling  float64       `mapstructure:"rate_ceiling" yaml:"rate_ceiling" json:"rate_ceiling"`

	Country string `mapstructure:"country_code" yaml:"country_code" json:"country_code"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		SearchRequestsPerHour:   300,
		DownloadRequestsPerHour: 600,
		SearchMaxConcurrent:     2,
		DownloadMaxConcurrent:   3,
		FailureThreshold:        5,
		BreakDuration:           5 * time.Minute,
		FailureWindow:           5 * time.Minute,
		MaxRetries:              3,
		RetryInitialDelay:       time.Second,
		RetryMaxDelay:           30 * time.Second,
		RetryBackoffFactor:      2.0,
		RetryJitter:             true,
		SlotTimeout:             ratelimit.DefaultSlotTimeout,
		TokenTimeout:            ratelimit.DefaultTokenTimeout,
		RateCeiling:             ratelimit.DefaultRateCeiling,
		Country:                 DefaultCountryCode,
	}
}

// CountryCode returns the configured ISO 3166-1 alpha-2 code.
func (s Settings) CountryCode() string {
	return s.Country
}

// Normalize returns a copy with every out-of-range value replaced by a safe
// one. It never fails; use Validate to learn what was wrong.
func (s Settings) Normalize() Settings {
	d := DefaultSettings()

	if s.RateCeiling <= 0 {
		s.RateCeiling = d.RateCeiling
	}
	s.SearchRequestsPerHour = normalizeRate(s.SearchRequestsPerHour, s.RateCeiling)
	s.DownloadRequestsPerHour = normalizeRate(s.DownloadRequestsPerHour, s.RateCeiling)
	if s.SearchMaxConcurrent < 1 {
		s.SearchMaxConcurrent = 1
	}
	if s.DownloadMaxConcurrent < 1 {
		s.DownloadMaxConcurrent = 1
	}
	if s.FailureThreshold < 1 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.BreakDuration <= 0 {
		s.BreakDuration = d.BreakDuration
	}
	if s.FailureWindow <= 0 {
		s.FailureWindow = d.FailureWindow
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.RetryInitialDelay < 0 {
		s.RetryInitialDelay = 0
	}
	if s.RetryMaxDelay < 0 {
		s.RetryMaxDelay = d.RetryMaxDelay
	}
	if s.RetryBackoffFactor < 1 {
		s.RetryBackoffFactor = 1
	}
	if s.SlotTimeout <= 0 {
		s.SlotTimeout = d.SlotTimeout
	}
	if s.TokenTimeout <= 0 {
		s.TokenTimeout = d.TokenTimeout
	}
	s.Country = strings.ToUpper(strings.TrimSpace(s.Country))
	if !validCountry(s.Country) {
		s.Country = DefaultCountryCode
	}
	return s
}

func normalizeRate(rate, ceiling float64) float64 {
	switch {
	case rate < 0:
		return 0
	case rate > ceiling:
		return ceiling
	default:
		return rate
	}
}

func validCountry(code string) bool {
	if len(code) != 2 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Validate reports every setting Normalize would have to change.
func (s Settings) Validate() error {
	var errs []error
	add := func(field string, format string, args ...any) {
		errs = append(errs, apperrors.ConfigError(fmt.Sprintf(format, args...)).WithContext("field", field))
	}

	if s.SearchRequestsPerHour < 0 {
		add("search_requests_per_hour", "search_requests_per_hour cannot be negative")
	}
	if s.DownloadRequestsPerHour < 0 {
		add("download_requests_per_hour", "download_requests_per_hour cannot be negative")
	}
	if s.SearchMaxConcurrent < 1 {
		add("search_max_concurrent", "search_max_concurrent must be at least 1")
	}
	if s.DownloadMaxConcurrent < 1 {
		add("download_max_concurrent", "download_max_concurrent must be at least 1")
	}
	if s.FailureThreshold < 1 {
		add("failure_threshold", "failure_threshold must be at least 1")
	}
	if s.BreakDuration <= 0 {
		add("break_duration", "break_duration must be positive")
	}
	if s.FailureWindow <= 0 {
		add("failure_window", "failure_window must be positive")
	}
	if s.MaxRetries < 0 {
		add("max_retries", "max_retries cannot be negative")
	}
	if s.RetryBackoffFactor < 1 {
		add("retry_backoff_factor", "retry_backoff_factor must be at least 1")
	}
	if s.SlotTimeout <= 0 || s.TokenTimeout <= 0 {
		add("slot_timeout", "slot_timeout and token_timeout must be positive")
	}
	if s.RateCeiling > 0 {
		if s.SearchRequestsPerHour > s.RateCeiling || s.DownloadRequestsPerHour > s.RateCeiling {
			add("rate_ceiling", "requests per hour cannot exceed rate_ceiling %.0f", s.RateCeiling)
		}
	}
	if !validCountry(strings.ToUpper(strings.TrimSpace(s.Country))) {
		add("country_code", "country_code %q is not an ISO 3166-1 alpha-2 code", s.Country)
	}

	return errors.Join(errs...)
}

// RateLimits converts the snapshot into limiter configuration.
func (s Settings) RateLimits() ratelimit.Config {
	return ratelimit.Config{
		Categories: map[ratelimit.Category]ratelimit.CategoryLimits{
			ratelimit.CategorySearch: {
				RequestsPerHour: s.SearchRequestsPerHour,
				MaxConcurrent:   s.SearchMaxConcurrent,
			},
			ratelimit.CategoryDownload: {
				RequestsPerHour: s.DownloadRequestsPerHour,
				MaxConcurrent:   s.DownloadMaxConcurrent,
			},
		},
		SlotTimeout:  s.SlotTimeout,
		TokenTimeout: s.TokenTimeout,
		RateCeiling:  s.RateCeiling,
	}
}

// BreakerSettings converts the snapshot into circuit breaker settings.
func (s Settings) BreakerSettings() circuitbreaker.Settings {
	cb := circuitbreaker.DefaultSettings()
	cb.FailureThreshold = s.FailureThreshold
	cb.BreakDuration = s.BreakDuration
	cb.FailureWindow = s.FailureWindow
	return cb
}

// RetryConfig converts the snapshot into retry configuration.
func (s Settings) RetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = s.MaxRetries
	cfg.InitialDelay = s.RetryInitialDelay
	cfg.MaxDelay = s.RetryMaxDelay
	cfg.BackoffFactor = s.RetryBackoffFactor
	cfg.Jitter = s.RetryJitter
	return cfg
}
