// Package app wires the engine, sinks, router, metrics and health
// surfaces into a runnable process for the standalone binary. Library
// embedders build the same pieces directly and skip this package.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"logward/internal/config"
	"logward/internal/engine"
	"logward/internal/health"
	"logward/internal/metrics"
	"logward/internal/router"
	"logward/internal/sinks"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// App is the assembled process.
type App struct {
	cfg    config.EngineConfig
	logger *logrus.Logger

	engine   *engine.Engine
	router   *router.Router
	checker  *health.Checker
	reloader *config.Reloader

	httpServer *http.Server
}

// New loads configuration from configFile (or uses defaults when
// empty) and assembles the process.
func New(configFile string) (*App, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.LoadFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	app := &App{cfg: cfg, logger: logger}
	if err := app.initComponents(); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	if configFile != "" {
		reloader, err := config.NewReloader(configFile, logger, func(updated config.EngineConfig) {
			app.engine.SetMinLevel(updated.MinLevel)
			logger.WithField("min_level", updated.MinLevel.String()).Info("Applied reloaded configuration")
		})
		if err != nil {
			logger.WithError(err).Warn("Config hot reload unavailable")
		} else {
			app.reloader = reloader
		}
	}

	return app, nil
}

func (app *App) initComponents() error {
	eng, err := engine.New(app.cfg, engine.WithLogger(app.logger))
	if err != nil {
		return err
	}
	app.engine = eng

	rt := router.New(app.logger)
	rt.RegisterSink("console", sinks.NewConsoleSink())
	rt.SetDefault("console")
	eng.SetRouter(rt)
	app.router = rt

	app.checker = health.NewChecker(eng, health.DefaultThresholds(), app.logger)

	if app.cfg.Metrics.Enabled {
		m := mux.NewRouter()
		m.Handle(app.cfg.Metrics.Path, metrics.Handler())
		app.checker.Routes(m)
		app.httpServer = &http.Server{
			Addr:         app.cfg.Metrics.Addr,
			Handler:      m,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return nil
}

// Engine exposes the running engine, mainly for tests.
func (app *App) Engine() *engine.Engine {
	return app.engine
}

// Router exposes the sink router so callers can register sinks and
// rules before Run.
func (app *App) Router() *router.Router {
	return app.router
}

// Run starts the HTTP listener when configured and blocks until
// SIGINT or SIGTERM, then shuts everything down in order.
func (app *App) Run() error {
	if app.httpServer != nil {
		go func() {
			app.logger.WithField("addr", app.httpServer.Addr).Info("Metrics server listening")
			if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	app.logger.WithField("signal", sig.String()).Info("Shutting down")
	signal.Stop(sigCh)

	return app.Shutdown()
}

// Shutdown stops the components in reverse start order.
func (app *App) Shutdown() error {
	if app.reloader != nil {
		app.reloader.Close()
	}

	if app.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.httpServer.Shutdown(ctx); err != nil {
			app.logger.WithError(err).Warn("Metrics server shutdown failed")
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), app.cfg.FlushTimeout)
	defer cancel()
	if err := app.engine.Flush(flushCtx); err != nil {
		app.logger.WithError(err).Warn("Final flush incomplete")
	}
	return app.engine.Shutdown()
}
