package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/specialistvlad/calcgrid/internal/config"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	logger     *slog.Logger
	ctx        context.Context
	config     *Config
	model      *config.Model
	httpServer *http.Server
	ready      atomic.Bool
}

// NewApp is the constructor for the main application. It loads and
// validates the configuration; a failure here is returned, not panicked.
// logW receives the logs, outW the results.
func NewApp(outW, logW io.Writer, appConfig *Config, loader *config.Loader) (*App, error) {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, logW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model := config.Default()
	if len(appConfig.ConfigPaths) > 0 {
		var err error
		if model, err = loader.Load(ctx, appConfig.ConfigPaths...); err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		logger.Debug("Configuration loaded and translated into unified model.")
	}
	appConfig.apply(model)

	// Generating a dataset talks to no peer.
	if appConfig.Mode() != ModeGenerate {
		if err := model.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		logger.Debug("Configuration validation passed.", "peers", len(model.Peers))
	}

	return &App{
		outW:   outW,
		logger: logger,
		ctx:    ctx,
		config: appConfig,
		model:  model,
	}, nil
}

// Model returns the effective configuration. This is primarily for testing.
func (app *App) Model() *config.Model {
	return app.model
}
