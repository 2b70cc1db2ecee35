package execlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_EntriesOrderedByStep(t *testing.T) {
	l := New()

	var wg sync.WaitGroup
	for step := int64(20); step >= 1; step-- {
		wg.Add(1)
		go func(step int64) {
			defer wg.Done()
			l.Append(Entry{Step: step, NodeID: int(step), Operation: "add", Attempt: 1, Outcome: OutcomeOK})
		}(step)
	}
	wg.Wait()

	entries := l.Entries()
	require.Len(t, entries, 20)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Step)
	}
	assert.Equal(t, 20, l.Len())
}

func TestLog_Summary(t *testing.T) {
	l := New()
	l.Append(Entry{Step: 1, AgentID: "adder", Operation: "add", Attempt: 1, Latency: 10 * time.Millisecond, Outcome: OutcomeOK})
	l.Append(Entry{Step: 2, AgentID: "muldiv", Operation: "div", Attempt: 1, Latency: 30 * time.Millisecond, Outcome: OutcomeTimeout})
	l.Append(Entry{Step: 3, AgentID: "muldiv", Operation: "div", Attempt: 2, Latency: 5 * time.Millisecond, Outcome: OutcomeOK})

	s := l.Summary()
	assert.Equal(t, 3, s.Dispatches)
	assert.Equal(t, 1, s.Retries)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, 45*time.Millisecond, s.TotalLatency)
	assert.Equal(t, 30*time.Millisecond, s.MaxLatency)
	assert.Equal(t, OperationSummary{Dispatches: 2, Failures: 1, TotalLatency: 35 * time.Millisecond}, s.ByOperation["div"])
	assert.Equal(t, map[string]int{"adder": 1, "muldiv": 2}, s.ByAgent)
}

func TestOutcomeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeOK},
		{fault.Remote("division_by_zero", "division by zero"), OutcomeRemoteError},
		{fault.New(fault.KindUnknownOperation, "pow"), OutcomeUnknownOperation},
		{fault.New(fault.KindDispatchTimeout, "slow"), OutcomeTimeout},
		{fmt.Errorf("wrapped: %w", fault.New(fault.KindNetwork, "refused")), OutcomeNetwork},
		{fault.New(fault.KindProtocolViolation, "bad step"), OutcomeProtocolViolation},
		{context.Canceled, OutcomeCancelled},
		{errors.New("boom"), OutcomeFailed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, OutcomeOf(tc.err), fmt.Sprint(tc.err))
	}
}
