package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidal-guard/internal/config"
	"tidal-guard/internal/ratelimit"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.StatsSchedule = ""
	return cfg
}

func startApp(t *testing.T, cfg config.Config, opts Options) *App {
	t.Helper()
	app, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	return app
}

func TestAppServesAdminAPI(t *testing.T) {
	app := startApp(t, testConfig(), Options{})

	resp, err := http.Get("http://" + app.Server.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestAppAppliesSettingsChanges(t *testing.T) {
	app := startApp(t, testConfig(), Options{})

	next := app.Store.Load()
	next.SearchMaxConcurrent = 6
	next.FailureThreshold = 2
	next.Country = "se"
	_, err := app.Store.Set(next)
	require.NoError(t, err)

	stats := app.Guard.Limiter().Stats().Categories[ratelimit.CategorySearch]
	assert.Equal(t, int64(6), stats.Gate.Max)
	assert.Equal(t, 2, app.Guard.Breaker(ratelimit.CategorySearch).Settings().FailureThreshold)
	assert.Equal(t, "SE", app.Countries.CountryCode())
}

func TestAppUsesConfiguredCountry(t *testing.T) {
	cfg := testConfig()
	cfg.Settings.Country = "NO"

	app, err := New(cfg, Options{})
	require.NoError(t, err)
	defer app.Guard.Dispose()

	assert.Equal(t, "NO", app.Countries.CountryCode())
}

func TestAppHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tidal-guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  download_max_concurrent: 3\n"), 0o600))

	loader := config.NewLoader(path, nil).WithEnvFile("")
	cfg, err := loader.Load()
	require.NoError(t, err)
	cfg.AdminAddr = "127.0.0.1:0"
	cfg.StatsSchedule = ""

	app := startApp(t, cfg, Options{Loader: loader})

	require.NoError(t, os.WriteFile(path, []byte("settings:\n  download_max_concurrent: 7\n"), 0o600))

	assert.Eventually(t, func() bool {
		return app.Guard.Limiter().Stats().Categories[ratelimit.CategoryDownload].Gate.Max == 7
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAppStartFailsOnBusyAddress(t *testing.T) {
	first := startApp(t, testConfig(), Options{})

	cfg := testConfig()
	cfg.AdminAddr = first.Server.Addr()
	app, err := New(cfg, Options{})
	require.NoError(t, err)
	defer app.Guard.Dispose()

	err = app.Start(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "admin server"))
}

func TestAppShutdown(t *testing.T) {
	app, err := New(testConfig(), Options{})
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))

	addr := app.Server.Addr()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))

	_, err = http.Get("http://" + addr + "/health")
	assert.Error(t, err)

	_, err = app.Guard.Limiter().WaitForSlot(context.Background(), ratelimit.CategorySearch)
	assert.ErrorIs(t, err, ratelimit.ErrDisposed)
}

func TestLoadConfigOverridesLogLevel(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, loader, err := LoadConfig(RunOptions{LogLevel: "debug"})
	require.NoError(t, err)
	assert.NotNil(t, loader)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tidal-guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin_addr: \"127.0.0.1:0\"\nstats_schedule: \"\"\nlog_level: error\n"), 0o600))
	t.Chdir(dir)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, RunOptions{ConfigFile: path}) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
