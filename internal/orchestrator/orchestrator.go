// Package orchestrator evaluates one expression end to end: parse, build
// the dependency graph, check that every operation has a provider, run the
// executor and aggregate the root result into the task.
//
// An Orchestrator keeps no state between evaluations. Every call to
// Evaluate gets its own trace id, task, codec, execution log and peer
// selector, so an expression is routed the same way on every call.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/calcgrid/internal/capability"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/execlog"
	"github.com/specialistvlad/calcgrid/internal/executor"
	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/specialistvlad/calcgrid/internal/graph"
	"github.com/specialistvlad/calcgrid/internal/protocol"
	"github.com/specialistvlad/calcgrid/internal/rational"
	"github.com/specialistvlad/calcgrid/internal/task"
	"github.com/specialistvlad/calcgrid/internal/transport"
)

// DefaultName is the sender id the orchestrator signs its envelopes with.
const DefaultName = "orchestrator"

// ResultArtifact is the name of the artifact holding the final value.
const ResultArtifact = "result"

// Config bounds every evaluation.
type Config struct {
	// Name is the sender id of outbound envelopes.
	Name string
	// Deadline is the wall-clock limit of one evaluation. Zero is unlimited.
	Deadline time.Duration
	Executor executor.Config
}

// Orchestrator evaluates expressions against a fixed set of peers.
type Orchestrator struct {
	registry  *capability.Registry
	transport transport.Transport
	cfg       Config
}

// New creates an orchestrator. The registry is shared read-only by every
// evaluation.
func New(reg *capability.Registry, tr transport.Transport, cfg Config) *Orchestrator {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	return &Orchestrator{registry: reg, transport: tr, cfg: cfg}
}

// Result is the outcome of one evaluation. It is returned on failure too,
// carrying the partial log.
type Result struct {
	TraceID    string
	Expression string
	// Value is nil unless the evaluation succeeded.
	Value *rational.Value
	Err   error
	Task  *task.Task
	Log   *execlog.Log
	// Graph is nil when the expression did not parse.
	Graph    *graph.Graph
	Duration time.Duration
}

// Evaluate runs one expression. On failure it returns the first fatal
// cause together with a Result holding everything recorded so far.
func (o *Orchestrator) Evaluate(ctx context.Context, input string) (*Result, error) {
	res := &Result{
		TraceID:    uuid.NewString(),
		Expression: input,
		Task:       task.New(uuid.NewString(), uuid.NewString()),
		Log:        execlog.New(),
	}
	codec := protocol.NewCodec(res.TraceID, o.cfg.Name)

	ctx = ctxlog.With(ctx, "trace_id", res.TraceID, "task_id", res.Task.ID())
	logger := ctxlog.FromContext(ctx)
	logger.Info("🚀 Evaluating expression.", "expression", input)

	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	root, err := expr.Parse(input)
	if err != nil {
		return o.fail(ctx, res, codec, err)
	}
	g, err := graph.Build(root)
	if err != nil {
		return o.fail(ctx, res, codec, err)
	}
	res.Graph = g
	ops, literals := expr.Count(root)
	logger.Debug("Dependency graph built.", "operations", ops, "literals", literals)

	if err := o.registry.Require(g.RequiredOps()); err != nil {
		return o.fail(ctx, res, codec, err)
	}

	runCtx := ctx
	if o.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, o.cfg.Deadline,
			fault.New(fault.KindBudgetExceeded, "deadline of %s exceeded", o.cfg.Deadline))
		defer cancel()
	}

	exec := executor.New(g, o.registry.NewSelector(), o.transport, codec, res.Log, res.Task, o.cfg.Executor)
	if err := exec.Run(runCtx); err != nil {
		return o.fail(ctx, res, codec, err)
	}

	value, ok := g.Node(g.Root()).Result()
	if !ok {
		return o.fail(ctx, res, codec, fmt.Errorf("root node %d has no result", g.Root()))
	}
	if err := o.aggregate(res, codec, value); err != nil {
		return o.fail(ctx, res, codec, err)
	}

	summary := res.Log.Summary()
	logger.Info("🏁 Expression evaluated.", "result", value, "dispatches", summary.Dispatches, "retries", summary.Retries)
	return res, nil
}

// aggregate packages the root value as the task's artifact and closes the
// task with a finalize envelope.
func (o *Orchestrator) aggregate(res *Result, codec *protocol.Codec, value rational.Value) error {
	// A literal-only expression never dispatches, so the task is still submitted.
	if res.Task.State() == task.StateSubmitted {
		if err := res.Task.Start(); err != nil {
			return err
		}
	}
	if err := res.Task.AddArtifact(task.Artifact{Name: ResultArtifact, Value: value}); err != nil {
		return err
	}
	res.Task.AppendMessage(codec.Finalize("", &value, string(task.StateCompleted)))
	if err := res.Task.Complete(); err != nil {
		return err
	}
	res.Value = &value
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, res *Result, codec *protocol.Codec, err error) (*Result, error) {
	logger := ctxlog.FromContext(ctx)
	res.Err = err
	if terr := res.Task.Fail(err); terr != nil {
		logger.Warn("Task could not be failed.", "state", res.Task.State(), "error", terr)
	}
	res.Task.AppendMessage(codec.Finalize("", nil, string(task.StateFailed)))
	logger.Error("Expression evaluation failed.", "error", err, "dispatches", res.Log.Len())
	return res, err
}
