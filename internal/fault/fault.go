// Package fault defines the error taxonomy shared by every stage of an
// expression evaluation. Each failure carries a Kind that decides whether
// the dispatcher may retry it or must fail the run.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindParse
	KindUnknownOperation
	KindAgentUnavailable
	KindDispatchTimeout
	KindNetwork
	KindRemoteComputation
	KindProtocolViolation
	KindBudgetExceeded
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "ParseError"
	case KindUnknownOperation:
		return "UnknownOperationError"
	case KindAgentUnavailable:
		return "AgentUnavailableError"
	case KindDispatchTimeout:
		return "DispatchTimeoutError"
	case KindNetwork:
		return "NetworkError"
	case KindRemoteComputation:
		return "RemoteComputationError"
	case KindProtocolViolation:
		return "ProtocolViolationError"
	case KindBudgetExceeded:
		return "BudgetExceededError"
	default:
		return "UnknownError"
	}
}

// Retryable reports whether failures of this kind are transient.
func (k Kind) Retryable() bool {
	return k == KindDispatchTimeout || k == KindNetwork
}

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrParse             = &Error{Kind: KindParse}
	ErrUnknownOperation  = &Error{Kind: KindUnknownOperation}
	ErrAgentUnavailable  = &Error{Kind: KindAgentUnavailable}
	ErrDispatchTimeout   = &Error{Kind: KindDispatchTimeout}
	ErrNetwork           = &Error{Kind: KindNetwork}
	ErrRemoteComputation = &Error{Kind: KindRemoteComputation}
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation}
	ErrBudgetExceeded    = &Error{Kind: KindBudgetExceeded}
)

// Error is a classified failure. Node and Offset are -1 when not applicable.
type Error struct {
	Kind Kind
	// Node is the graph node the failure belongs to.
	Node int
	// Op is the operation kind being dispatched, if any.
	Op string
	// Code is the machine-readable code reported by a remote worker.
	Code string
	// Offset is the byte offset into the expression for parse failures.
	Offset int
	Msg    string
	Err    error
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Node: -1, Offset: -1, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.Err = err
	return e
}

// Parse creates a ParseError at the given byte offset.
func Parse(offset int, format string, args ...any) *Error {
	e := New(KindParse, format, args...)
	e.Offset = offset
	return e
}

// Remote creates a RemoteComputationError from a worker-reported code.
func Remote(code, message string) *Error {
	e := New(KindRemoteComputation, "%s", message)
	e.Code = code
	return e
}

// WithNode returns a copy of e attributed to a graph node and operation.
func (e *Error) WithNode(node int, op string) *Error {
	c := *e
	c.Node = node
	c.Op = op
	return &c
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	var attrs []string
	if e.Node >= 0 {
		attrs = append(attrs, fmt.Sprintf("node %d", e.Node))
	}
	if e.Op != "" {
		attrs = append(attrs, "op "+e.Op)
	}
	if e.Code != "" {
		attrs = append(attrs, "code "+e.Code)
	}
	if e.Offset >= 0 {
		attrs = append(attrs, fmt.Sprintf("offset %d", e.Offset))
	}
	if len(attrs) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(attrs, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether err is a transient failure worth retrying.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}
