package server

import (
	"fmt"
	"time"

	apperrors "tidal-guard/internal/common/errors"
	"tidal-guard/internal/common/utils"
	"tidal-guard/internal/config"
)

// settingsPayload is the JSON shape of config.Settings on the admin API.
// Durations travel as strings ("90s", "2m", "1d"). Absent fields keep their
// current value on update.
type settingsPayload struct {
	SearchRequestsPerHour   *float64 `json:"search_requests_per_hour,omitempty"`
	DownloadRequestsPerHour *float64 `json:"download_requests_per_hour,omitempty"`
	SearchMaxConcurrent     *int     `json:"search_max_concurrent,omitempty"`
	DownloadMaxConcurrent   *int     `json:"download_max_concurrent,omitempty"`

	FailureThreshold *int    `json:"failure_threshold,omitempty"`
	BreakDuration    *string `json:"break_duration,omitempty"`
	FailureWindow    *string `json:"failure_window,omitempty"`

	MaxRetries         *int     `json:"max_retries,omitempty"`
	RetryInitialDelay  *string  `json:"retry_initial_delay,omitempty"`
	RetryMaxDelay      *string  `json:"retry_max_delay,omitempty"`
	RetryBackoffFactor *float64 `json:"retry_backoff_factor,omitempty"`
	RetryJitter        *bool    `json:"retry_jitter,omitempty"`

	SlotTimeout  *string  `json:"slot_timeout,omitempty"`
	TokenTimeout *string  `json:"token_timeout,omitempty"`
	RateCeiling  *float64 `json:"rate_ceiling,omitempty"`

	CountryCode *string `json:"country_code,omitempty"`
}

func ptr[T any](v T) *T { return &v }

func newSettingsPayload(s config.Settings) settingsPayload {
	return settingsPayload{
		SearchRequestsPerHour:   ptr(s.SearchRequestsPerHour),
		DownloadRequestsPerHour: ptr(s.DownloadRequestsPerHour),
		SearchMaxConcurrent:     ptr(s.SearchMaxConcurrent),
		DownloadMaxConcurrent:   ptr(s.DownloadMaxConcurrent),
		FailureThreshold:        ptr(s.FailureThreshold),
		BreakDuration:           ptr(durationString(s.BreakDuration)),
		FailureWindow:           ptr(durationString(s.FailureWindow)),
		MaxRetries:              ptr(s.MaxRetries),
		RetryInitialDelay:       ptr(durationString(s.RetryInitialDelay)),
		RetryMaxDelay:           ptr(durationString(s.RetryMaxDelay)),
		RetryBackoffFactor:      ptr(s.RetryBackoffFactor),
		RetryJitter:             ptr(s.RetryJitter),
		SlotTimeout:             ptr(durationString(s.SlotTimeout)),
		TokenTimeout:            ptr(durationString(s.TokenTimeout)),
		RateCeiling:             ptr(s.RateCeiling),
		CountryCode:             ptr(s.CountryCode()),
	}
}

// apply overlays the present fields onto s.
func (p settingsPayload) apply(s config.Settings) (config.Settings, error) {
	setFloat(&s.SearchRequestsPerHour, p.SearchRequestsPerHour)
	setFloat(&s.DownloadRequestsPerHour, p.DownloadRequestsPerHour)
	setInt(&s.SearchMaxConcurrent, p.SearchMaxConcurrent)
	setInt(&s.DownloadMaxConcurrent, p.DownloadMaxConcurrent)
	setInt(&s.FailureThreshold, p.FailureThreshold)
	setInt(&s.MaxRetries, p.MaxRetries)
	setFloat(&s.RetryBackoffFactor, p.RetryBackoffFactor)
	setFloat(&s.RateCeiling, p.RateCeiling)
	if p.RetryJitter != nil {
		s.RetryJitter = *p.RetryJitter
	}
	if p.CountryCode != nil {
		s.Country = *p.CountryCode
	}

	durations := []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"break_duration", p.BreakDuration, &s.BreakDuration},
		{"failure_window", p.FailureWindow, &s.FailureWindow},
		{"retry_initial_delay", p.RetryInitialDelay, &s.RetryInitialDelay},
		{"retry_max_delay", p.RetryMaxDelay, &s.RetryMaxDelay},
		{"slot_timeout", p.SlotTimeout, &s.SlotTimeout},
		{"token_timeout", p.TokenTimeout, &s.TokenTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := utils.ParseDuration(*d.src)
		if err != nil {
			return s, apperrors.ValidationError(fmt.Sprintf("%s: %v", d.name, err)).WithContext("field", d.name)
		}
		*d.dst = v
	}

	return s, nil
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
