// Package executor schedules the operation nodes of a graph onto a bounded
// pool of dispatch workers.
//
// A node is queued as soon as its last operand completes. Workers select a
// peer, send a tool call and store the result; transient failures are
// retried on the same node, anything else fails the node together with
// every node that depends on it and cancels the rest of the run. The step
// budget caps dispatch attempts across the whole run, and cancellation of
// the run context fails every unresolved node with its cause.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/calcgrid/internal/capability"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/execlog"
	"github.com/specialistvlad/calcgrid/internal/graph"
	"github.com/specialistvlad/calcgrid/internal/protocol"
	"github.com/specialistvlad/calcgrid/internal/task"
	"github.com/specialistvlad/calcgrid/internal/transport"
)

// Defaults applied to zero Config fields.
const (
	DefaultConcurrency  = 4
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 50 * time.Millisecond
)

// Config bounds one run.
type Config struct {
	// Concurrency is the number of dispatch workers.
	Concurrency int
	// StepBudget caps dispatch attempts, retries included. Zero is unlimited.
	StepBudget int
	// CallTimeout bounds each transport call. Zero means no per-call limit.
	CallTimeout time.Duration
	// MaxAttempts is the number of tries for a transient failure.
	MaxAttempts int
	// RetryBackoff is the pause between attempts. A negative value means none.
	RetryBackoff time.Duration
}

// WithDefaults fills zero fields with the package defaults.
func (c Config) WithDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}

// Executor runs one graph. It is not reusable.
type Executor struct {
	graph     *graph.Graph
	selector  *capability.Selector
	transport transport.Transport
	codec     *protocol.Codec
	log       *execlog.Log
	task      *task.Task
	cfg       Config

	// wg counts unresolved operation nodes. Done is called by whichever
	// goroutine wins the node's terminal transition.
	wg         sync.WaitGroup
	dispatched atomic.Int64
	startOnce  sync.Once

	// sendMu keeps tool calls in the task in step order.
	sendMu sync.Mutex

	errMu    sync.Mutex
	firstErr error
}

// New creates an executor. sel should be fresh for the run so peer
// selection does not depend on earlier runs. tk may be nil when no task
// tracks the run.
func New(g *graph.Graph, sel *capability.Selector, tr transport.Transport, codec *protocol.Codec, log *execlog.Log, tk *task.Task, cfg Config) *Executor {
	return &Executor{
		graph:     g,
		selector:  sel,
		transport: tr,
		codec:     codec,
		log:       log,
		task:      tk,
		cfg:       cfg.WithDefaults(),
	}
}

// Dispatched returns the number of dispatch attempts admitted so far.
func (e *Executor) Dispatched() int64 {
	return e.dispatched.Load()
}

// Run executes every operation node and returns nil once the root is
// Completed. Otherwise it returns the first fatal cause.
func (e *Executor) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	ops := e.graph.Operations()
	if len(ops) == 0 {
		logger.Debug("Graph has no operations, nothing to dispatch.")
		return nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ready := make(chan *graph.Node, len(ops))
	done := make(chan struct{})
	e.wg.Add(len(ops))

	initial := 0
	for _, n := range e.graph.Initial() {
		if n.MarkReady() {
			ready <- n
			initial++
		}
	}
	logger.Debug("Found initially ready nodes.", "count", initial, "operations", len(ops))

	var workers sync.WaitGroup
	logger.Debug("Starting worker pool.", "workers", e.cfg.Concurrency)
	for i := 0; i < e.cfg.Concurrency; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			e.worker(runCtx, ready, done, cancel, id)
		}(i)
	}

	workers.Add(1)
	go func() {
		defer workers.Done()
		select {
		case <-runCtx.Done():
			e.failUnresolved(runCtx, context.Cause(runCtx))
		case <-done:
		}
	}()

	e.wg.Wait()
	close(done)
	workers.Wait()

	root := e.graph.Node(e.graph.Root())
	if root.State() == graph.Completed {
		logger.Debug("All operations completed.", "dispatched", e.dispatched.Load())
		return nil
	}
	if err := e.cause(); err != nil {
		return err
	}
	if cause := context.Cause(runCtx); cause != nil {
		return cause
	}
	return root.Err()
}

// fatal fails n and every node that depends on it, records the run's first
// fatal cause and cancels the remaining work.
func (e *Executor) fatal(ctx context.Context, n *graph.Node, err error, cancel context.CancelCauseFunc) {
	logger := ctxlog.FromContext(ctx)
	e.errMu.Lock()
	if e.firstErr == nil {
		e.firstErr = err
	}
	e.errMu.Unlock()

	if n.Fail(err) {
		e.wg.Done()
	}
	logger.Error("Node failed.", "node", n.ID, "op", n.Op, "error", err)
	for _, id := range e.graph.Ancestors(n.ID) {
		a := e.graph.Node(id)
		if a.Fail(dependencyFailed(n.ID, err)) {
			logger.Debug("Failing dependent node.", "node", id, "dependency", n.ID)
			e.wg.Done()
		}
	}
	cancel(err)
}

// failUnresolved fails every operation node that has not reached a terminal
// state. It runs once the run context is done.
func (e *Executor) failUnresolved(ctx context.Context, cause error) {
	logger := ctxlog.FromContext(ctx)
	failed := 0
	for _, n := range e.graph.Operations() {
		if n.Fail(cause) {
			e.wg.Done()
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("Run cancelled, unresolved nodes failed.", "count", failed, "cause", cause)
	}
}

func (e *Executor) cause() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.firstErr
}
