package app

import (
	"context"
	"errors"
	"io"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/worker"
)

// WorkerConfig configures the worker process.
type WorkerConfig struct {
	Listen    string
	AgentID   string
	Ops       []expr.Op
	Version   string
	PublicURL string
	LogFormat string
	LogLevel  string
}

// NewWorkerConfig validates cfg and returns a copy.
func NewWorkerConfig(cfg WorkerConfig) (*WorkerConfig, error) {
	if cfg.Listen == "" {
		return nil, errors.New("listen address is required")
	}
	if cfg.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	if len(cfg.Ops) == 0 {
		return nil, errors.New("at least one operation is required")
	}
	return &cfg, nil
}

// RunWorker serves the arithmetic worker until ctx is cancelled.
func RunWorker(ctx context.Context, logW io.Writer, cfg *WorkerConfig) error {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logW).With("agent", cfg.AgentID)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	srv, err := worker.New(ctx, worker.Config{
		AgentID:   cfg.AgentID,
		Version:   cfg.Version,
		PublicURL: cfg.PublicURL,
		Ops:       cfg.Ops,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, cfg.Listen)
}
