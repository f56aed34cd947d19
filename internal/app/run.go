package app

import (
	"context"
	"runtime"
	"time"

	"tidal-guard/internal/common/logging"
	"tidal-guard/internal/config"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 30 * time.Second

// RunOptions are the command-line overrides for Run.
type RunOptions struct {
	ConfigFile string
	LogLevel   string
}

// LoadConfig loads configuration and applies the command-line overrides.
func LoadConfig(opts RunOptions) (config.Config, *config.Loader, error) {
	loader := config.NewLoader(opts.ConfigFile, nil)
	cfg, err := loader.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	return cfg, loader, nil
}

// Run is the main entry point for the serve command. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Run(ctx context.Context, opts RunOptions) error {
	cfg, loader, err := LoadConfig(opts)
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(cfg.LogOptions())
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	loader.WithLogger(logger)

	logger.Info("Starting tidal guard",
		logging.Int("cpus", runtime.NumCPU()),
		logging.String("config_file", loader.ConfigFileUsed()),
		logging.String("admin_addr", cfg.AdminAddr),
	)

	app, err := New(cfg, Options{Loader: loader, Logger: logger})
	if err != nil {
		logger.Error("Failed to initialize application", err)
		return err
	}

	if err := app.Start(ctx); err != nil {
		logger.Error("Failed to start application", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		_ = app.Shutdown(shutdownCtx)
		return err
	}

	<-ctx.Done()
	logger.Info("Shutting down tidal guard...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", err)
		return err
	}

	logger.Info("Tidal guard exited")
	return nil
}
