// Package execlog records one entry per dispatch attempt of a run. The log
// is append-only, safe for concurrent use and always read back ordered by
// step rather than by wall clock.
package execlog

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/specialistvlad/calcgrid/internal/fault"
)

// Outcome is the result class of a single dispatch attempt.
type Outcome string

const (
	OutcomeOK                Outcome = "ok"
	OutcomeRemoteError       Outcome = "remote_error"
	OutcomeUnknownOperation  Outcome = "unknown_operation"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeNetwork           Outcome = "network_error"
	OutcomeProtocolViolation Outcome = "protocol_violation"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeFailed            Outcome = "failed"
)

// OutcomeOf classifies the error returned by a dispatch attempt.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	switch fault.KindOf(err) {
	case fault.KindRemoteComputation:
		return OutcomeRemoteError
	case fault.KindUnknownOperation:
		return OutcomeUnknownOperation
	case fault.KindDispatchTimeout:
		return OutcomeTimeout
	case fault.KindNetwork:
		return OutcomeNetwork
	case fault.KindProtocolViolation:
		return OutcomeProtocolViolation
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeCancelled
	}
	return OutcomeFailed
}

// Entry describes one dispatch attempt.
type Entry struct {
	Step      int64         `json:"step"`
	NodeID    int           `json:"nodeId"`
	AgentID   string        `json:"agentId"`
	Operation string        `json:"operation"`
	Attempt   int           `json:"attempt"`
	Latency   time.Duration `json:"latency"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// LogValue renders the entry in structured logs.
func (e Entry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("step", e.Step),
		slog.Int("node", e.NodeID),
		slog.String("agent", e.AgentID),
		slog.String("op", e.Operation),
		slog.Int("attempt", e.Attempt),
		slog.Duration("latency", e.Latency),
		slog.String("outcome", string(e.Outcome)),
	)
}

// Log is the execution log of one run.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

// New creates an empty log.
func New() *Log {
	return &Log{}
}

// Append records an entry.
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the log ordered by step.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	out := append([]Entry(nil), l.entries...)
	l.mu.Unlock()
	slices.SortStableFunc(out, func(a, b Entry) int {
		switch {
		case a.Step < b.Step:
			return -1
		case a.Step > b.Step:
			return 1
		}
		return 0
	})
	return out
}

// OperationSummary aggregates the attempts of one operation kind.
type OperationSummary struct {
	Dispatches   int           `json:"dispatches"`
	Failures     int           `json:"failures"`
	TotalLatency time.Duration `json:"totalLatency"`
}

// Summary aggregates the whole log.
type Summary struct {
	Dispatches   int                         `json:"dispatches"`
	Retries      int                         `json:"retries"`
	Failures     int                         `json:"failures"`
	TotalLatency time.Duration               `json:"totalLatency"`
	MaxLatency   time.Duration               `json:"maxLatency"`
	ByOperation  map[string]OperationSummary `json:"byOperation"`
	ByAgent      map[string]int              `json:"byAgent"`
}

// Summary computes dispatch counts and latency totals.
func (l *Log) Summary() Summary {
	s := Summary{
		ByOperation: make(map[string]OperationSummary),
		ByAgent:     make(map[string]int),
	}
	for _, e := range l.Entries() {
		s.Dispatches++
		if e.Attempt > 1 {
			s.Retries++
		}
		op := s.ByOperation[e.Operation]
		op.Dispatches++
		op.TotalLatency += e.Latency
		if e.Outcome != OutcomeOK {
			s.Failures++
			op.Failures++
		}
		s.ByOperation[e.Operation] = op
		s.ByAgent[e.AgentID]++
		s.TotalLatency += e.Latency
		s.MaxLatency = max(s.MaxLatency, e.Latency)
	}
	return s
}
