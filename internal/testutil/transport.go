package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/specialistvlad/calcgrid/internal/protocol"
	"github.com/specialistvlad/calcgrid/internal/rational"
)

// Call records one Send on a FakeTransport.
type Call struct {
	Endpoint string
	Request  protocol.Envelope
	Start    time.Time
	End      time.Time
	Err      error
}

// Responder answers a request in place of a remote peer.
type Responder func(ctx context.Context, endpoint string, req protocol.Envelope) (protocol.Envelope, error)

// FakeTransport is an in-memory transport. By default it answers every
// tool call the way a worker would, signing the reply with the request's
// receiver.
type FakeTransport struct {
	// Respond overrides the default arithmetic responder.
	Respond Responder
	// Delay is applied before answering; it honors context cancellation.
	Delay time.Duration

	mu          sync.Mutex
	calls       []Call
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	closed      atomic.Bool
}

// Send implements the transport interface.
func (f *FakeTransport) Send(ctx context.Context, endpoint string, req protocol.Envelope) (protocol.Envelope, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	call := Call{Endpoint: endpoint, Request: req, Start: time.Now()}
	resp, err := f.send(ctx, endpoint, req)
	call.End, call.Err = time.Now(), err

	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return resp, err
}

func (f *FakeTransport) send(ctx context.Context, endpoint string, req protocol.Envelope) (protocol.Envelope, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return protocol.Envelope{}, fault.Wrap(fault.KindDispatchTimeout, context.Cause(ctx), "waiting for %s", endpoint)
		}
	}
	if f.Respond != nil {
		return f.Respond(ctx, endpoint, req)
	}
	return Compute(req), nil
}

// Close implements the transport interface.
func (f *FakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (f *FakeTransport) Closed() bool { return f.closed.Load() }

// Calls returns the recorded calls in completion order.
func (f *FakeTransport) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// MaxInFlight returns the highest number of concurrent Sends observed.
func (f *FakeTransport) MaxInFlight() int {
	return int(f.maxInFlight.Load())
}

// Compute answers a tool call with exact arithmetic, as a worker would.
func Compute(req protocol.Envelope) protocol.Envelope {
	op, ok := expr.ParseOp(req.Content.Operation)
	if !ok || len(req.Content.Operands) != 2 {
		return protocol.ReplyError(req, req.Receiver, protocol.CodeUnknownOperation, "unsupported operation "+req.Content.Operation)
	}
	v, err := expr.Apply(op, req.Content.Operands[0], req.Content.Operands[1])
	if errors.Is(err, rational.ErrDivisionByZero) {
		return protocol.ReplyError(req, req.Receiver, protocol.CodeDivisionByZero, err.Error())
	}
	if err != nil {
		return protocol.ReplyError(req, req.Receiver, protocol.CodeUnknownOperation, err.Error())
	}
	return protocol.Reply(req, req.Receiver, v)
}
