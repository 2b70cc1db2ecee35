package dataset

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/orchestrator"
	"github.com/specialistvlad/calcgrid/internal/rational"
)

// Evaluator solves one expression. *orchestrator.Orchestrator implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string) (*orchestrator.Result, error)
}

// Mismatch is a sample the evaluator got wrong or failed on.
type Mismatch struct {
	Line       int             `json:"line"`
	Expression string          `json:"expression"`
	Expected   rational.Value  `json:"expected"`
	Got        *rational.Value `json:"got,omitempty"`
	Error      string          `json:"error,omitempty"`
	TraceID    string          `json:"traceId,omitempty"`
}

// Report summarizes an evaluation.
type Report struct {
	Total      int        `json:"total"`
	Correct    int        `json:"correct"`
	Accuracy   float64    `json:"accuracy"`
	Mismatches []Mismatch `json:"mismatches"`
}

// Evaluate runs every sample through ev in order. A failed evaluation
// counts as a mismatch; only cancellation of ctx aborts the run.
func Evaluate(ctx context.Context, ev Evaluator, samples []Sample) (*Report, error) {
	logger := ctxlog.FromContext(ctx)
	if len(samples) == 0 {
		return nil, errors.New("dataset is empty")
	}

	report := &Report{Total: len(samples), Mismatches: []Mismatch{}}
	for i, s := range samples {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("dataset evaluation interrupted after %d of %d samples: %w", i, len(samples), context.Cause(ctx))
		}
		res, err := ev.Evaluate(ctx, s.Expression)
		m := Mismatch{Line: i + 1, Expression: s.Expression, Expected: s.Result}
		if res != nil {
			m.TraceID = res.TraceID
		}
		switch {
		case err != nil:
			m.Error = err.Error()
		case res == nil || res.Value == nil:
			m.Error = "no result"
		case res.Value.Equal(s.Result):
			report.Correct++
			continue
		default:
			m.Got = res.Value
		}
		logger.Warn("Dataset sample mismatch.", "line", m.Line, "expression", s.Expression, "expected", s.Result, "got", m.Got, "error", m.Error)
		report.Mismatches = append(report.Mismatches, m)
	}
	report.Accuracy = float64(report.Correct) / float64(report.Total)
	logger.Info("🏁 Dataset evaluated.", "total", report.Total, "correct", report.Correct, "accuracy", report.Accuracy)
	return report, nil
}
