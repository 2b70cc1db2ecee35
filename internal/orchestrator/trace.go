package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/specialistvlad/calcgrid/internal/execlog"
	"github.com/specialistvlad/calcgrid/internal/rational"
	"github.com/specialistvlad/calcgrid/internal/task"
)

// Trace is the serializable record of a finished evaluation.
type Trace struct {
	TraceID    string          `json:"traceId"`
	Expression string          `json:"expression"`
	Graph      string          `json:"graph,omitempty"`
	Result     *rational.Value `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"durationMs"`
	Task       task.Snapshot   `json:"task"`
	Log        []execlog.Entry `json:"log"`
	Summary    execlog.Summary `json:"summary"`
}

// Trace returns a consistent snapshot of the evaluation.
func (r *Result) Trace() Trace {
	t := Trace{
		TraceID:    r.TraceID,
		Expression: r.Expression,
		Result:     r.Value,
		DurationMS: r.Duration.Milliseconds(),
		Task:       r.Task.Snapshot(),
		Log:        r.Log.Entries(),
		Summary:    r.Log.Summary(),
	}
	if r.Graph != nil {
		t.Graph = r.Graph.Signature()
	}
	if r.Err != nil {
		t.Error = r.Err.Error()
	}
	return t
}

// WriteTrace encodes the trace as indented JSON.
func (r *Result) WriteTrace(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Trace())
}

// SaveTrace writes the trace to path, replacing any existing file.
func (r *Result) SaveTrace(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating trace file: %w", err)
	}
	if err := r.WriteTrace(f); err != nil {
		f.Close()
		return fmt.Errorf("writing trace file %s: %w", path, err)
	}
	return f.Close()
}
