package ratelimit

import (
	"fmt"
	"time"

	apperrors "tidal-guard/internal/common/errors"
)

const (
	// DefaultSlotTimeout bounds the wait for a concurrency slot.
	DefaultSlotTimeout = 90 * time.Second
	// DefaultTokenTimeout bounds the wait for a token once a slot is held.
	DefaultTokenTimeout = 30 * time.Second
)

// CategoryLimits is the budget and concurrency bound for one category.
type CategoryLimits struct {
	RequestsPerHour float64 `json:"requests_per_hour"`
	MaxConcurrent   int     `json:"max_concurrent"`
}

// Config holds the limiter settings.
type Config struct {
	Categories   map[Category]CategoryLimits
	SlotTimeout  time.Duration
	TokenTimeout time.Duration
	RateCeiling  float64
}

// DefaultConfig returns the limits used when no settings are supplied.
func DefaultConfig() Config {
	return Config{
		Categories: map[Category]CategoryLimits{
			CategorySearch:   {RequestsPerHour: 300, MaxConcurrent: 2},
			CategoryDownload: {RequestsPerHour: 600, MaxConcurrent: 3},
		},
		SlotTimeout:  DefaultSlotTimeout,
		TokenTimeout: DefaultTokenTimeout,
		RateCeiling:  DefaultRateCeiling,
	}
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if len(c.Categories) == 0 {
		return apperrors.ConfigError("at least one category is required")
	}
	for cat, limits := range c.Categories {
		if cat == "" {
			return apperrors.ConfigError("category name cannot be empty")
		}
		if limits.MaxConcurrent < 1 {
			return apperrors.ConfigError(fmt.Sprintf("%s max concurrent must be at least 1", cat))
		}
	}
	if c.SlotTimeout < 0 || c.TokenTimeout < 0 {
		return apperrors.ConfigError("timeouts cannot be negative")
	}
	return nil
}

// withDefaults fills zero timeouts and ceiling.
func (c Config) withDefaults() Config {
	if c.SlotTimeout <= 0 {
		c.SlotTimeout = DefaultSlotTimeout
	}
	if c.TokenTimeout <= 0 {
		c.TokenTimeout = DefaultTokenTimeout
	}
	if c.RateCeiling == 0 {
		c.RateCeiling = DefaultRateCeiling
	}
	categories := make(map[Category]CategoryLimits, len(c.Categories))
	for cat, limits := range c.Categories {
		categories[cat] = limits
	}
	c.Categories = categories
	return c
}
