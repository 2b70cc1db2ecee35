// Package protocol defines the message envelope exchanged between the
// orchestrator and worker peers, and the codec that builds and validates
// envelopes for one run.
package protocol

import (
	"time"

	"github.com/specialistvlad/calcgrid/internal/rational"
)

// Intent is the purpose of an envelope.
type Intent string

const (
	IntentToolCall Intent = "tool_call"
	IntentDelegate Intent = "delegate"
	IntentFinalize Intent = "finalize"
)

func (i Intent) valid() bool {
	return i == IntentToolCall || i == IntentDelegate || i == IntentFinalize
}

// Status is the outcome reported by a worker.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Error codes reported by workers.
const (
	CodeDivisionByZero   = "division_by_zero"
	CodeUnknownOperation = "unknown_operation"
	CodeBadRequest       = "bad_request"
)

// Content is the intent-specific payload. Requests fill Operation and
// Operands, responses fill Status and either Result or Code and Message,
// and finalize envelopes fill Result and TaskState.
type Content struct {
	Operation string           `json:"operation,omitempty"`
	Operands  []rational.Value `json:"operands,omitempty"`
	Status    Status           `json:"status,omitempty"`
	Result    *rational.Value  `json:"result,omitempty"`
	Code      string           `json:"code,omitempty"`
	Message   string           `json:"message,omitempty"`
	TaskState string           `json:"taskState,omitempty"`
}

// Envelope is a single protocol message.
type Envelope struct {
	TraceID   string    `json:"traceId"`
	Step      int64     `json:"step"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Intent    Intent    `json:"intent"`
	Content   Content   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Reply builds the successful response to req. The response echoes the
// request's trace id and step.
func Reply(req Envelope, sender string, result rational.Value) Envelope {
	return Envelope{
		TraceID:   req.TraceID,
		Step:      req.Step,
		Sender:    sender,
		Receiver:  req.Sender,
		Intent:    req.Intent,
		Content:   Content{Status: StatusOK, Result: &result},
		Timestamp: time.Now().UTC(),
	}
}

// ReplyError builds the error response to req.
func ReplyError(req Envelope, sender, code, message string) Envelope {
	return Envelope{
		TraceID:   req.TraceID,
		Step:      req.Step,
		Sender:    sender,
		Receiver:  req.Sender,
		Intent:    req.Intent,
		Content:   Content{Status: StatusError, Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}
}
