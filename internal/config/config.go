// Package config loads tidal-guard configuration from defaults, an optional
// YAML file, a .env file and TIDAL_GUARD_* environment variables, and holds
// the live Settings snapshot.
//
// Environment variables mirror the YAML keys, upper-cased with dots replaced
// by underscores:
//
//	TIDAL_GUARD_LOG_LEVEL=debug
//	TIDAL_GUARD_ADMIN_ADDR=:9480
//	TIDAL_GUARD_SETTINGS_DOWNLOAD_REQUESTS_PER_HOUR=900
//	TIDAL_GUARD_SETTINGS_BREAK_DURATION=2m
package config

import (
	"errors"
	"strings"

	"github.com/robfig/cron/v3"

	apperrors "tidal-guard/internal/common/errors"
	"tidal-guard/internal/common/logging"
)

// Config is the full process configuration.
type Config struct {
	LogLevel               string   `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	LogFile                string   `mapstructure:"log_file" yaml:"log_file" json:"log_file"`
	AdminAddr              string   `mapstructure:"admin_addr" yaml:"admin_addr" json:"admin_addr"`
	AdminRequestsPerSecond float64  `mapstructure:"admin_requests_per_second" yaml:"admin_requests_per_second" json:"admin_requests_per_second"`
	StatsSchedule          string   `mapstructure:"stats_schedule" yaml:"stats_schedule" json:"stats_schedule"`
	Settings               Settings `mapstructure:"settings" yaml:"settings" json:"settings"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		LogLevel:               "info",
		AdminAddr:              ":9480",
		AdminRequestsPerSecond: 5,
		StatsSchedule:          "@every 1m",
		Settings:               DefaultSettings(),
	}
}

// Validate checks the process-level fields and the settings snapshot.
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, apperrors.ConfigError("log_level must be one of debug, info, warn, error"))
	}
	if c.AdminRequestsPerSecond < 0 {
		errs = append(errs, apperrors.ConfigError("admin_requests_per_second cannot be negative"))
	}
	if c.StatsSchedule != "" {
		if _, err := cron.ParseStandard(c.StatsSchedule); err != nil {
			errs = append(errs, apperrors.ConfigError("stats_schedule is not a valid cron spec: "+err.Error()))
		}
	}
	if err := c.Settings.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LogOptions returns the logging options this configuration asks for.
func (c Config) LogOptions() logging.Options {
	return logging.Options{Level: c.LogLevel, File: c.LogFile}
}
