package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestLoader(file string) *Loader {
	return NewLoader(file, nil).WithEnvFile("")
}

func TestLoaderDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := newTestLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoaderFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "guard.yaml", `
log_level: debug
admin_addr: ":9999"
settings:
  search_requests_per_hour: 120
  download_max_concurrent: 5
  break_duration: 2m
  retry_jitter: false
  country_code: gb
`)

	loader := newTestLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, path, loader.ConfigFileUsed())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9999", cfg.AdminAddr)
	assert.Equal(t, 120.0, cfg.Settings.SearchRequestsPerHour)
	assert.Equal(t, 600.0, cfg.Settings.DownloadRequestsPerHour)
	assert.Equal(t, 5, cfg.Settings.DownloadMaxConcurrent)
	assert.Equal(t, 2*time.Minute, cfg.Settings.BreakDuration)
	assert.False(t, cfg.Settings.RetryJitter)
	assert.Equal(t, "GB", cfg.Settings.CountryCode())
}

func TestLoaderDefaultFileInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, DefaultConfigName+".yaml", "settings:\n  failure_threshold: 7\n")
	t.Chdir(dir)

	cfg, err := newTestLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Settings.FailureThreshold)
}

func TestLoaderEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "guard.yaml", "settings:\n  download_requests_per_hour: 100\n")

	t.Setenv("TIDAL_GUARD_SETTINGS_DOWNLOAD_REQUESTS_PER_HOUR", "900")
	t.Setenv("TIDAL_GUARD_SETTINGS_FAILURE_WINDOW", "90s")
	t.Setenv("TIDAL_GUARD_LOG_LEVEL", "warn")

	cfg, err := newTestLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 900.0, cfg.Settings.DownloadRequestsPerHour)
	assert.Equal(t, 90*time.Second, cfg.Settings.FailureWindow)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoaderDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "TIDAL_GUARD_SETTINGS_MAX_RETRIES=1\n")
	t.Chdir(dir)
	// registered so the variable set by godotenv is removed after the test
	t.Setenv("TIDAL_GUARD_SETTINGS_MAX_RETRIES", "")
	require.NoError(t, os.Unsetenv("TIDAL_GUARD_SETTINGS_MAX_RETRIES"))

	cfg, err := NewLoader("", nil).WithEnvFile(envFile).Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Settings.MaxRetries)
}

func TestLoaderNormalizesSettings(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "guard.yaml", "settings:\n  search_max_concurrent: 0\n  search_requests_per_hour: -1\n")

	cfg, err := newTestLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Settings.SearchMaxConcurrent)
	assert.Equal(t, 0.0, cfg.Settings.SearchRequestsPerHour)
}

func TestLoaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		missing bool
	}{
		{name: "missing explicit file", missing: true},
		{name: "malformed yaml", content: "settings: [unterminated"},
		{name: "bad log level", content: "log_level: loud\n"},
		{name: "bad stats schedule", content: "stats_schedule: every now and then\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "guard.yaml")
			if !tt.missing {
				writeFile(t, dir, "guard.yaml", tt.content)
			}

			_, err := newTestLoader(path).Load()
			assert.Error(t, err)
		})
	}
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "guard.yaml", "settings:\n  failure_threshold: 4\n")

	loader := newTestLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Config, 8)
	require.NoError(t, loader.Watch(ctx, func(cfg Config) { changes <- cfg }))

	writeFile(t, dir, "guard.yaml", "settings:\n  failure_threshold: 9\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Settings.FailureThreshold == 9 {
				return
			}
		case <-deadline:
			t.Fatal("config change was not delivered")
		}
	}
}

func TestLoaderWatchWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	loader := newTestLoader("")
	_, err := loader.Load()
	require.NoError(t, err)

	assert.Error(t, loader.Watch(context.Background(), func(Config) {}))
}
