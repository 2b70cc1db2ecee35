package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/execlog"
	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/specialistvlad/calcgrid/internal/graph"
	"github.com/specialistvlad/calcgrid/internal/protocol"
	"github.com/specialistvlad/calcgrid/internal/rational"
)

// worker is the core processing loop for a single dispatch worker.
func (e *Executor) worker(ctx context.Context, ready chan *graph.Node, done <-chan struct{}, cancel context.CancelCauseFunc, workerID int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)
	defer logger.Debug("Worker finished.", "workerID", workerID)

	for {
		select {
		case <-done:
			return
		case n := <-ready:
			if ctx.Err() != nil {
				continue
			}
			nodeCtx := ctxlog.With(ctx, "workerID", workerID, "node", n.ID, "op", n.Op)
			e.dispatch(nodeCtx, n, ready, cancel)
		}
	}
}

// dispatch drives one node from Ready to a terminal state.
func (e *Executor) dispatch(ctx context.Context, n *graph.Node, ready chan<- *graph.Node, cancel context.CancelCauseFunc) {
	logger := ctxlog.FromContext(ctx)
	if !n.MarkDispatched() {
		logger.Debug("Node already resolved, not dispatching.", "state", n.State())
		return
	}
	e.startOnce.Do(func() {
		if e.task == nil {
			return
		}
		if err := e.task.Start(); err != nil {
			logger.Warn("Task did not start.", "error", err)
		}
	})

	left, right, err := e.operands(n)
	if err != nil {
		e.fatal(ctx, n, err, cancel)
		return
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		result, admitted, err := e.attempt(ctx, n, attempt, left, right)
		if !admitted {
			e.fatal(ctx, n, err, cancel)
			return
		}
		if err == nil {
			if n.Complete(result) {
				logger.Debug("Node completed.", "result", result)
				e.wg.Done()
				e.unlockDependents(ctx, n, ready)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if fault.Retryable(err) {
			if attempt < e.cfg.MaxAttempts {
				logger.Warn("Transient dispatch failure, retrying.", "attempt", attempt, "max_attempts", e.cfg.MaxAttempts, "error", err)
				if !sleep(ctx, e.cfg.RetryBackoff) {
					return
				}
				continue
			}
			err = fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		e.fatal(ctx, n, attributed(err, n), cancel)
		return
	}
}

// attempt performs one dispatch. admitted is false when the selection or
// the step budget refused the attempt; err then explains why.
func (e *Executor) attempt(ctx context.Context, n *graph.Node, attempt int, left, right rational.Value) (result rational.Value, admitted bool, err error) {
	if budget := e.cfg.StepBudget; budget > 0 {
		if used := e.dispatched.Add(1); used > int64(budget) {
			e.dispatched.Add(-1)
			return rational.Value{}, false, fault.New(fault.KindBudgetExceeded, "step budget of %d dispatches exhausted", budget).WithNode(n.ID, string(n.Op))
		}
	} else {
		e.dispatched.Add(1)
	}
	rec, err := e.selector.Select(n.Op)
	if err != nil {
		e.dispatched.Add(-1)
		return rational.Value{}, false, attributed(err, n)
	}

	req, err := e.toolCall(rec.AgentID, n, left, right)
	if err != nil {
		e.dispatched.Add(-1)
		return rational.Value{}, false, attributed(err, n)
	}
	logger := ctxlog.FromContext(ctx).With("step", req.Step, "agent", rec.AgentID, "attempt", attempt)
	logger.Debug("Dispatching node.")

	callCtx, cancelCall := ctx, context.CancelFunc(func() {})
	if e.cfg.CallTimeout > 0 {
		callCtx, cancelCall = context.WithTimeoutCause(ctx, e.cfg.CallTimeout,
			fault.New(fault.KindDispatchTimeout, "no response from %s within %s", rec.AgentID, e.cfg.CallTimeout))
	}
	start := time.Now()
	resp, err := e.transport.Send(callCtx, rec.Endpoint, req)
	latency := time.Since(start)
	cancelCall()

	if err != nil {
		e.codec.Abandon(req)
		if ctx.Err() == nil && callCtx.Err() != nil && fault.KindOf(err) != fault.KindDispatchTimeout {
			err = fault.Wrap(fault.KindDispatchTimeout, err, "call to %s", rec.AgentID)
		}
	} else {
		if e.task != nil {
			e.task.AppendMessage(resp)
		}
		if err = e.codec.ValidateInbound(req, resp); err == nil {
			result, err = protocol.DecodeResult(resp)
		}
	}

	outcome := execlog.OutcomeOf(err)
	if err != nil && ctx.Err() != nil {
		outcome = execlog.OutcomeCancelled
	}
	entry := execlog.Entry{
		Step:      req.Step,
		NodeID:    n.ID,
		AgentID:   rec.AgentID,
		Operation: string(n.Op),
		Attempt:   attempt,
		Latency:   latency,
		Outcome:   outcome,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	e.log.Append(entry)
	logger.Debug("Dispatch finished.", "outcome", outcome, "latency", latency)
	return result, true, err
}

// toolCall allocates the request's step and records it in the task in one
// critical section.
func (e *Executor) toolCall(receiver string, n *graph.Node, left, right rational.Value) (protocol.Envelope, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	req, err := e.codec.ToolCall(receiver, n.Op, left, right)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if e.task != nil {
		e.task.AppendMessage(req)
	}
	return req, nil
}

func (e *Executor) operands(n *graph.Node) (rational.Value, rational.Value, error) {
	var vals [2]rational.Value
	for i, id := range n.Operands {
		v, ok := e.graph.Node(id).Result()
		if !ok {
			return rational.Value{}, rational.Value{}, fmt.Errorf("node %d dispatched before operand %d completed", n.ID, id)
		}
		vals[i] = v
	}
	return vals[0], vals[1], nil
}

func (e *Executor) unlockDependents(ctx context.Context, n *graph.Node, ready chan<- *graph.Node) {
	logger := ctxlog.FromContext(ctx)
	for _, id := range n.Dependents {
		dep := e.graph.Node(id)
		if dep.OperandCompleted() == 0 && dep.MarkReady() {
			logger.Debug("Unlocking dependent node.", "dependentID", id)
			ready <- dep
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// attributed tags a fault with the node it belongs to.
func attributed(err error, n *graph.Node) error {
	if fe, ok := err.(*fault.Error); ok {
		return fe.WithNode(n.ID, string(n.Op))
	}
	return err
}

func dependencyFailed(id int, err error) error {
	return fmt.Errorf("operand node %d failed: %w", id, err)
}
