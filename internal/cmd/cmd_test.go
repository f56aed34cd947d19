package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tidal-guard/internal/common/errors"
	"tidal-guard/internal/config"
	"tidal-guard/internal/guard"
	"tidal-guard/internal/ratelimit"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "simulate", "config"})
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}

func TestConfigShow(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	t.Run("defaults", func(t *testing.T) {
		out, err := execute(t, "config", "show")
		require.NoError(t, err)
		assert.Contains(t, out, "log_level: info")
		assert.Contains(t, out, "break_duration: 5m0s")
		assert.Contains(t, out, "country_code: US")
	})

	t.Run("file and log level override", func(t *testing.T) {
		path := filepath.Join(dir, "guard.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
settings:
  break_duration: 90s
  search_max_concurrent: 4
  country_code: de
`), 0o600))

		out, err := execute(t, "--config", path, "--log-level", "debug", "config", "show")
		require.NoError(t, err)
		assert.Contains(t, out, "log_level: debug")
		assert.Contains(t, out, "break_duration: 1m30s")
		assert.Contains(t, out, "search_max_concurrent: 4")
		assert.Contains(t, out, "country_code: DE")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "--config", filepath.Join(dir, "nope.yaml"), "config", "show")
		assert.Error(t, err)
	})
}

func TestSimulateFlagValidation(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		args []string
	}{
		{"zero workers", []string{"--workers", "0"}},
		{"zero ops", []string{"--ops", "0"}},
		{"negative failure rate", []string{"--failure-rate=-0.1"}},
		{"rates above one", []string{"--failure-rate", "0.7", "--fatal-rate", "0.5"}},
		{"unknown category", []string{"--category", "lyrics"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"simulate"}, tt.args...)...)
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
		})
	}
}

func TestSimulateCommand(t *testing.T) {
	t.Chdir(t.TempDir())

	out, err := execute(t, "simulate",
		"--ops", "8", "--workers", "2",
		"--failure-rate", "0", "--fatal-rate", "0",
		"--latency", "0s", "--category", "search")
	require.NoError(t, err)

	assert.Contains(t, out, "8 operations on search")
	assert.Contains(t, out, "OUTCOME")
	assert.Regexp(t, `ok\s+8`, out)
	assert.Contains(t, out, "limiter: 8 requests")
	assert.Contains(t, out, "breaker search: state=closed")
}

func simulationGuard(t *testing.T, opts simulateOptions) *guard.Guard {
	t.Helper()
	g, err := guard.NewFromSettings(opts.settings(config.DefaultSettings()), nil)
	require.NoError(t, err)
	t.Cleanup(g.Dispose)
	return g
}

func TestRunSimulation(t *testing.T) {
	base := simulateOptions{
		workers:       3,
		ops:           12,
		retryDelay:    time.Millisecond,
		breakDuration: time.Minute,
	}

	t.Run("healthy dependency", func(t *testing.T) {
		g := simulationGuard(t, base)
		dep := newFlakyDependency(1, 0, 0, time.Millisecond)

		summary, err := runSimulation(context.Background(), g, ratelimit.CategoryDownload, base, dep)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{outcomeOK: 12}, summary.Outcomes)
		assert.Equal(t, 12, summary.Calls)
		assert.NotEmpty(t, summary.RunID)
	})

	t.Run("failing dependency opens the circuit", func(t *testing.T) {
		g := simulationGuard(t, base)
		dep := newFlakyDependency(1, 1, 0, 0)

		summary, err := runSimulation(context.Background(), g, ratelimit.CategoryDownload, base, dep)
		require.NoError(t, err)
		assert.Zero(t, summary.Outcomes[outcomeOK])
		assert.Positive(t, summary.Outcomes[outcomeCircuitOpen])
		assert.Equal(t, base.ops, summary.Outcomes[outcomeCircuitOpen]+summary.Outcomes[outcomeTransient])

		paused, _ := g.Paused(ratelimit.CategoryDownload)
		assert.True(t, paused)

		var out bytes.Buffer
		summary.print(&out, g)
		assert.Contains(t, out.String(), "download paused, resumes at")
	})

	t.Run("fatal failures are not retried", func(t *testing.T) {
		opts := base
		opts.workers = 1
		opts.ops = 1
		g := simulationGuard(t, opts)
		dep := newFlakyDependency(1, 0, 1, 0)

		summary, err := runSimulation(context.Background(), g, ratelimit.CategorySearch, opts, dep)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Outcomes[outcomeFatal])
		assert.Equal(t, 1, summary.Calls)
	})

	t.Run("cancelled run", func(t *testing.T) {
		g := simulationGuard(t, base)
		dep := newFlakyDependency(1, 0, 0, time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		summary, err := runSimulation(ctx, g, ratelimit.CategorySearch, base, dep)
		assert.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, summary)
		assert.Equal(t, base.ops, summary.Outcomes[outcomeCancelled])
	})
}

func TestClassifyOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, outcomeOK},
		{"overload", apperrors.OverloadError("search", time.Second), outcomeOverloaded},
		{"circuit open", apperrors.CircuitOpenError("search", time.Now()), outcomeCircuitOpen},
		{"cancelled", context.Canceled, outcomeCancelled},
		{"fatal", apperrors.FatalError("gone", nil), outcomeFatal},
		{"transient", apperrors.TransientError("flap", nil), outcomeTransient},
		{"other", apperrors.ValidationError("bad"), outcomeOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyOutcome(tt.err))
		})
	}
}
