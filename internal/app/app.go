// Package app wires the guard, its configuration and the admin surface into
// one process.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"tidal-guard/internal/common/logging"
	"tidal-guard/internal/config"
	"tidal-guard/internal/guard"
	"tidal-guard/internal/metrics"
	"tidal-guard/internal/region"
	"tidal-guard/internal/server"
)

// Options carries the optional collaborators of an App.
type Options struct {
	// Loader enables hot reload of the settings when it read a config file.
	Loader *config.Loader
	Logger logging.Logger
}

// App holds all the application dependencies
type App struct {
	Config    config.Config
	Logger    logging.Logger
	Store     *config.Store
	Guard     *guard.Guard
	Countries *region.CountryManager
	Registry  *prometheus.Registry
	Server    *server.Server
	Reporter  *StatsReporter

	loader      *config.Loader
	unsubscribe func()
	cancelWatch context.CancelFunc
}

// New creates a new application instance with all dependencies
func New(cfg config.Config, opts Options) (*App, error) {
	logger := logging.OrNop(opts.Logger)

	app := &App{
		Config: cfg,
		Logger: logger.WithFields(logging.String("component", "app")),
		Store:  config.NewStore(cfg.Settings),
		loader: opts.Loader,
	}

	g, err := guard.NewFromSettings(app.Store.Load(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build guard: %w", err)
	}
	app.Guard = g

	app.Countries = region.NewCountryManager(logger)
	if _, err := app.Countries.Update(app.Store.Load()); err != nil {
		g.Dispose()
		return nil, err
	}

	app.Registry, err = metrics.NewRegistry(metrics.NewCollector(g.Limiter(), g.Breakers()))
	if err != nil {
		g.Dispose()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	router := server.NewRouter(server.Deps{
		Guard:             g,
		Store:             app.Store,
		Countries:         app.Countries,
		Gatherer:          app.Registry,
		Logger:            logger,
		RequestsPerSecond: cfg.AdminRequestsPerSecond,
	})
	app.Server = server.New(cfg.AdminAddr, router, logger)
	app.Reporter = NewStatsReporter(g, app.Countries, logger)

	app.unsubscribe = app.Store.Subscribe(app.applySettings)
	return app, nil
}

// applySettings pushes a new snapshot into the guard and the country manager.
func (app *App) applySettings(s config.Settings) {
	if err := app.Guard.UpdateSettings(s); err != nil {
		app.Logger.Error("Failed to apply settings to guard", err)
	}
	if _, err := app.Countries.Update(s); err != nil {
		app.Logger.Warn("Ignoring country code", logging.Err(err))
	}
}

// Start starts the admin server, the stats reporter and the config watcher.
func (app *App) Start(ctx context.Context) error {
	if err := app.Server.Start(); err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}

	if err := app.Reporter.Start(app.Config.StatsSchedule); err != nil {
		return err
	}

	if app.loader != nil && app.loader.ConfigFileUsed() != "" {
		watchCtx, cancel := context.WithCancel(ctx)
		app.cancelWatch = cancel
		err := app.loader.Watch(watchCtx, func(cfg config.Config) {
			if _, err := app.Store.Set(cfg.Settings); err != nil {
				app.Logger.Warn("Rejected reloaded settings", logging.Err(err))
			}
		})
		if err != nil {
			app.Logger.Warn("Config hot reload disabled", logging.Err(err))
		}
	}

	app.Logger.Info("Tidal guard started",
		logging.String("admin_addr", app.Server.Addr()),
		logging.String("country_code", app.Countries.CountryCode()),
	)
	return nil
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown(ctx context.Context) error {
	var errs []error

	if app.cancelWatch != nil {
		app.cancelWatch()
	}
	if app.unsubscribe != nil {
		app.unsubscribe()
	}

	select {
	case <-app.Reporter.Stop().Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("stats reporter: %w", ctx.Err()))
	}

	if err := app.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admin server: %w", err))
	}

	app.Guard.Dispose()
	app.Logger.Info("Tidal guard stopped")
	return errors.Join(errs...)
}
