package protocol

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/specialistvlad/calcgrid/internal/rational"
)

// Codec builds and validates the envelopes of one run. Steps come from a
// run-wide counter and strictly increase in the order envelopes are built.
// A response is accepted only if it answers an outstanding request to the
// same peer, and each outstanding step is accepted once.
type Codec struct {
	traceID string
	sender  string
	steps   atomic.Int64
	now     func() time.Time

	mu          sync.Mutex
	outstanding map[string]map[int64]struct{}
	lastSent    map[string]int64
}

// NewCodec creates a codec for the run identified by traceID. sender is the
// orchestrator's own name in envelopes.
func NewCodec(traceID, sender string) *Codec {
	return &Codec{
		traceID:     traceID,
		sender:      sender,
		now:         func() time.Time { return time.Now().UTC() },
		outstanding: make(map[string]map[int64]struct{}),
		lastSent:    make(map[string]int64),
	}
}

// Steps returns the number of steps allocated so far.
func (c *Codec) Steps() int64 { return c.steps.Load() }

// ToolCall allocates a step and builds a validated tool_call envelope for
// receiver. The step stays outstanding until ValidateInbound accepts its
// response or Abandon releases it.
func (c *Codec) ToolCall(receiver string, op expr.Op, left, right rational.Value) (Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env := Envelope{
		TraceID:   c.traceID,
		Step:      c.steps.Add(1),
		Sender:    c.sender,
		Receiver:  receiver,
		Intent:    IntentToolCall,
		Content:   Content{Operation: string(op), Operands: []rational.Value{left, right}},
		Timestamp: c.now(),
	}
	if err := ValidateOutbound(env); err != nil {
		return Envelope{}, err
	}
	if env.Step <= c.lastSent[receiver] {
		return Envelope{}, fault.New(fault.KindProtocolViolation, "step %d does not advance past %d for %s", env.Step, c.lastSent[receiver], receiver)
	}
	c.lastSent[receiver] = env.Step
	if c.outstanding[receiver] == nil {
		c.outstanding[receiver] = make(map[int64]struct{})
	}
	c.outstanding[receiver][env.Step] = struct{}{}
	return env, nil
}

// Finalize builds the closing envelope of the run. result is nil when the
// run failed.
func (c *Codec) Finalize(receiver string, result *rational.Value, taskState string) Envelope {
	return Envelope{
		TraceID:   c.traceID,
		Step:      c.steps.Add(1),
		Sender:    c.sender,
		Receiver:  receiver,
		Intent:    IntentFinalize,
		Content:   Content{Result: result, TaskState: taskState},
		Timestamp: c.now(),
	}
}

// Abandon releases an outstanding request whose response will never be
// validated, for example after a transport failure.
func (c *Codec) Abandon(req Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outstanding[req.Receiver], req.Step)
}

// ValidateInbound checks resp against the request it answers.
func (c *Codec) ValidateInbound(req, resp Envelope) error {
	if err := validateHeader(resp); err != nil {
		return err
	}
	if resp.TraceID != c.traceID {
		return violation("trace id %q does not match run %q", resp.TraceID, c.traceID)
	}
	if resp.Sender != req.Receiver {
		return violation("response from %q to a request sent to %q", resp.Sender, req.Receiver)
	}
	if resp.Receiver != c.sender {
		return violation("response addressed to %q, expected %q", resp.Receiver, c.sender)
	}
	if resp.Intent != req.Intent {
		return violation("response intent %q does not match request intent %q", resp.Intent, req.Intent)
	}

	c.mu.Lock()
	pending := c.outstanding[req.Receiver]
	_, ok := pending[resp.Step]
	if ok && resp.Step == req.Step {
		delete(pending, resp.Step)
	}
	c.mu.Unlock()
	if !ok {
		return violation("step %d from %q is not outstanding (stale or replayed)", resp.Step, resp.Sender)
	}
	if resp.Step != req.Step {
		return violation("response step %d does not answer request step %d", resp.Step, req.Step)
	}

	switch resp.Content.Status {
	case StatusOK:
		if resp.Content.Result == nil {
			return violation("ok response without a result")
		}
	case StatusError:
		if resp.Content.Code == "" || resp.Content.Message == "" {
			return violation("error response must carry code and message")
		}
	default:
		return violation("unknown status %q", resp.Content.Status)
	}
	return nil
}

// ValidateOutbound checks that env is a well-formed request.
func ValidateOutbound(env Envelope) error {
	if err := validateHeader(env); err != nil {
		return err
	}
	if env.Intent != IntentToolCall {
		return nil
	}
	op, ok := expr.ParseOp(env.Content.Operation)
	if !ok || string(op) != env.Content.Operation {
		return fault.New(fault.KindUnknownOperation, "operation %q", env.Content.Operation)
	}
	if n := len(env.Content.Operands); n != 2 {
		return violation("%s takes 2 operands, got %d", op, n)
	}
	if env.Content.Status != "" || env.Content.Result != nil {
		return violation("tool_call must not carry a status or result")
	}
	return nil
}

// DecodeResult extracts the value of a validated response, or converts a
// worker-reported error into the fault taxonomy.
func DecodeResult(resp Envelope) (rational.Value, error) {
	c := resp.Content
	if c.Status == StatusOK && c.Result != nil {
		return *c.Result, nil
	}
	if c.Code == CodeUnknownOperation {
		e := fault.New(fault.KindUnknownOperation, "%s", c.Message)
		e.Code = c.Code
		return rational.Value{}, e
	}
	return rational.Value{}, fault.Remote(c.Code, c.Message)
}

func validateHeader(env Envelope) error {
	var missing []string
	if env.TraceID == "" {
		missing = append(missing, "traceId")
	}
	if env.Step <= 0 {
		missing = append(missing, "step")
	}
	if env.Sender == "" {
		missing = append(missing, "sender")
	}
	if env.Receiver == "" {
		missing = append(missing, "receiver")
	}
	if env.Intent == "" {
		missing = append(missing, "intent")
	}
	if len(missing) > 0 {
		return violation("missing required fields: %s", strings.Join(missing, ", "))
	}
	if !env.Intent.valid() {
		return violation("unknown intent %q", env.Intent)
	}
	return nil
}

func violation(format string, args ...any) *fault.Error {
	return fault.New(fault.KindProtocolViolation, format, args...)
}
