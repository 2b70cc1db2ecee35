package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/specialistvlad/calcgrid/internal/capability"
	"github.com/specialistvlad/calcgrid/internal/config"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/dataset"
	"github.com/specialistvlad/calcgrid/internal/executor"
	"github.com/specialistvlad/calcgrid/internal/orchestrator"
	"github.com/specialistvlad/calcgrid/internal/transport"
)

// Run executes the main application logic based on the provided configuration.
func (app *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, app.logger)
	app.ctx = ctx
	logger := app.logger
	logger.Debug("App.Run method started.", "mode", app.config.Mode())

	app.healthCheckServer()
	defer app.closeHealthCheckServer()

	if app.config.Mode() == ModeGenerate {
		return app.generate(ctx)
	}

	orc, closeTransport, err := app.setup(ctx)
	if err != nil {
		return err
	}
	defer closeTransport()
	app.markReady()

	switch app.config.Mode() {
	case ModeDataset:
		return app.evaluateDataset(ctx, orc)
	default:
		return app.evaluateExpression(ctx, orc)
	}
}

// setup discovers the peers and builds the orchestrator.
func (app *App) setup(ctx context.Context) (*orchestrator.Orchestrator, func(), error) {
	logger := ctxlog.FromContext(ctx)
	o := app.model.Orchestrator

	peers := make([]capability.Peer, 0, len(app.model.Peers))
	for _, p := range app.model.Peers {
		peers = append(peers, capability.Peer{Name: p.Name, Endpoint: p.Endpoint})
	}
	reg, warnings, err := capability.Discover(ctx, peers, &capability.HTTPFetcher{}, capability.Options{
		Concurrency: o.Concurrency,
		Timeout:     o.DiscoveryTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	if len(reg.Records()) == 0 {
		logger.Warn("No peer answered capability discovery.", "warnings", len(warnings))
	}

	tr, err := transport.New(o.Transport, transport.Options{ConnectTimeout: o.CallTimeout})
	if err != nil {
		return nil, nil, err
	}
	closeTransport := func() {
		if err := tr.Close(); err != nil {
			logger.Warn("Transport close failed.", "error", err)
		}
	}

	orc := orchestrator.New(reg, tr, orchestratorConfig(o))
	logger.Debug("Orchestrator ready.", "transport", o.Transport, "workers", o.Concurrency, "budget", o.StepBudget, "deadline", o.Deadline)
	return orc, closeTransport, nil
}

func orchestratorConfig(o config.Orchestrator) orchestrator.Config {
	backoff := o.RetryBackoff
	if backoff == 0 {
		// The executor reads zero as "use the default".
		backoff = -1
	}
	return orchestrator.Config{
		Deadline: o.Deadline,
		Executor: executor.Config{
			Concurrency:  o.Concurrency,
			StepBudget:   o.StepBudget,
			CallTimeout:  o.CallTimeout,
			MaxAttempts:  o.MaxAttempts,
			RetryBackoff: backoff,
		},
	}
}

func (app *App) evaluateExpression(ctx context.Context, orc *orchestrator.Orchestrator) error {
	res, evalErr := orc.Evaluate(ctx, app.config.Expression)
	if app.config.TraceOut != "" {
		if err := res.SaveTrace(app.config.TraceOut); err != nil {
			return err
		}
		app.logger.Info("Trace written.", "path", app.config.TraceOut)
	}
	if evalErr != nil {
		return fmt.Errorf("evaluation failed: %w", evalErr)
	}

	if dec, ok := res.Value.Decimal(); ok && dec != res.Value.String() {
		fmt.Fprintf(app.outW, "%s = %s (%s)\n", app.config.Expression, res.Value, dec)
	} else {
		fmt.Fprintf(app.outW, "%s = %s\n", app.config.Expression, res.Value)
	}
	return nil
}

func (app *App) evaluateDataset(ctx context.Context, orc *orchestrator.Orchestrator) error {
	samples, err := dataset.LoadFile(app.config.DatasetPath)
	if err != nil {
		return err
	}
	app.logger.Info("🚀 Evaluating dataset.", "path", app.config.DatasetPath, "samples", len(samples))

	report, err := dataset.Evaluate(ctx, orc, samples)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if app.config.TraceOut != "" {
		if err := os.WriteFile(app.config.TraceOut, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	}
	_, err = fmt.Fprintf(app.outW, "%s\n", data)
	return err
}

func (app *App) generate(ctx context.Context) error {
	cfg := dataset.DefaultGeneratorConfig()
	cfg.Samples = app.config.Generate
	if app.config.GenerateSeed != 0 {
		cfg.Seed = app.config.GenerateSeed
	}
	if app.config.GenerateOperands != 0 {
		cfg.Operands = app.config.GenerateOperands
	}
	if app.config.GenerateOperators != "" {
		ops, err := dataset.ParseOperators(app.config.GenerateOperators)
		if err != nil {
			return err
		}
		cfg.Operators = ops
	}
	if app.config.GenerateMin != 0 || app.config.GenerateMax != 0 {
		cfg.Min, cfg.Max = app.config.GenerateMin, app.config.GenerateMax
	}

	samples, err := dataset.Generate(cfg)
	if err != nil {
		return fmt.Errorf("generating dataset: %w", err)
	}
	if out := app.config.GenerateOut; out != "" && out != "-" {
		if err := dataset.WriteFile(out, samples); err != nil {
			return err
		}
		ctxlog.FromContext(ctx).Info("🏁 Dataset written.", "path", out, "samples", len(samples))
		return nil
	}
	return dataset.Write(app.outW, samples)
}
