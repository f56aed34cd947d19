package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"tidal-guard/internal/common/logging"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "TIDAL_GUARD"
	// DefaultConfigName is looked up in the working directory when no file is given.
	DefaultConfigName = "tidal-guard"
)

// Loader reads Config from defaults, an optional YAML file and the environment.
type Loader struct {
	mu      sync.Mutex
	v       *viper.Viper
	file    string
	envFile string
	logger  logging.Logger
}

// NewLoader creates a loader. An empty configFile means ./tidal-guard.yaml
// when it exists and defaults otherwise.
func NewLoader(configFile string, logger logging.Logger) *Loader {
	return &Loader{
		v:       viper.New(),
		file:    configFile,
		envFile: ".env",
		logger:  logging.OrNop(logger),
	}
}

// WithEnvFile changes the dotenv file loaded before the environment is read.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// WithLogger replaces the logger used for reload and range warnings.
func (l *Loader) WithLogger(logger logging.Logger) *Loader {
	l.mu.Lock()
	l.logger = logging.OrNop(logger)
	l.mu.Unlock()
	return l
}

// Load reads the configuration, normalises the settings and validates the result.
func (l *Loader) Load() (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.envFile != "" {
		// .env values never override variables that are already set
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", l.envFile, err)
		}
	}

	setDefaults(l.v)

	if l.file != "" {
		l.v.SetConfigFile(l.file)
	} else {
		l.v.SetConfigName(DefaultConfigName)
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	return l.decode()
}

// ConfigFileUsed returns the file the last Load read, or "".
func (l *Loader) ConfigFileUsed() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.ConfigFileUsed()
}

// Watch reloads the configuration whenever the config file changes and hands
// every valid result to fn. Invalid edits are logged and skipped. Events
// arriving after ctx is done are ignored.
func (l *Loader) Watch(ctx context.Context, fn func(Config)) error {
	if l.ConfigFileUsed() == "" {
		return errors.New("no config file to watch")
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			l.logger.Warn("Ignoring invalid config change",
				logging.String("file", e.Name),
				logging.Err(err),
			)
			return
		}

		l.logger.Info("Config file changed", logging.String("file", e.Name))
		fn(cfg)
	})
	l.v.WatchConfig()
	return nil
}

// decode must be called with l.mu held.
func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Settings.Validate(); err != nil {
		l.logger.Warn("Settings out of range, using safe values", logging.Err(err))
	}
	cfg.Settings = cfg.Settings.Normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("admin_addr", d.AdminAddr)
	v.SetDefault("admin_requests_per_second", d.AdminRequestsPerSecond)
	v.SetDefault("stats_schedule", d.StatsSchedule)

	s := d.Settings
	v.SetDefault("settings.search_requests_per_hour", s.SearchRequestsPerHour)
	v.SetDefault("settings.download_requests_per_hour", s.DownloadRequestsPerHour)
	v.SetDefault("settings.search_max_concurrent", s.SearchMaxConcurrent)
	v.SetDefault("settings.download_max_concurrent", s.DownloadMaxConcurrent)
	v.SetDefault("settings.failure_threshold", s.FailureThreshold)
	v.SetDefault("settings.break_duration", s.BreakDuration)
	v.SetDefault("settings.failure_window", s.FailureWindow)
	v.SetDefault("settings.max_retries", s.MaxRetries)
	v.SetDefault("settings.retry_initial_delay", s.RetryInitialDelay)
	v.SetDefault("settings.retry_max_delay", s.RetryMaxDelay)
	v.SetDefault("settings.retry_backoff_factor", s.RetryBackoffFactor)
	v.SetDefault("settings.retry_jitter", s.RetryJitter)
	v.SetDefault("settings.slot_timeout", s.SlotTimeout)
	v.SetDefault("settings.token_timeout", s.TokenTimeout)
	v.SetDefault("settings.rate_ceiling", s.RateCeiling)
	v.SetDefault("settings.country_code", s.Country)
}
