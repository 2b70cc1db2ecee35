package orchestrator

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/specialistvlad/calcgrid/internal/capability"
	"github.com/specialistvlad/calcgrid/internal/executor"
	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/specialistvlad/calcgrid/internal/protocol"
	"github.com/specialistvlad/calcgrid/internal/rational"
	"github.com/specialistvlad/calcgrid/internal/task"
	"github.com/specialistvlad/calcgrid/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peer(id string, ops ...expr.Op) capability.Record {
	rec := capability.Record{AgentID: id, Endpoint: "mem://" + id, SupportedOps: map[expr.Op]struct{}{}}
	for _, op := range ops {
		rec.SupportedOps[op] = struct{}{}
	}
	return rec
}

func allPeers() *capability.Registry {
	return capability.NewRegistry([]capability.Record{
		peer("addition", expr.OpAdd),
		peer("subtraction", expr.OpSub),
		peer("multiplication", expr.OpMul),
		peer("division", expr.OpDiv),
	})
}

func fastConfig() Config {
	return Config{Executor: executor.Config{RetryBackoff: -1}}
}

func finalizeOf(t *testing.T, tk *task.Task) protocol.Envelope {
	t.Helper()
	msgs := tk.Messages()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, protocol.IntentFinalize, last.Intent)
	return last
}

func TestEvaluate_ExactResults(t *testing.T) {
	cases := []struct {
		input string
		want  rational.Value
	}{
		{"2 * (3 + 4 / 3)", rational.FromFrac(26, 3)},
		{"2 + 3 * 4", rational.FromInt(14)},
		{"(1 + 2) * (3 + 4)", rational.FromInt(21)},
		{"1 / 3 + 1 / 6", rational.FromFrac(1, 2)},
		{"-2 * 3", rational.FromInt(-6)},
		{"0.5 + 0.25", rational.FromFrac(3, 4)},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			ctx, _ := testutil.Context(t)
			tr := &testutil.FakeTransport{}
			o := New(allPeers(), tr, fastConfig())

			res, err := o.Evaluate(ctx, tc.input)
			require.NoError(t, err)
			require.NotNil(t, res.Value)
			assert.True(t, res.Value.Equal(tc.want), "got %s, want %s", res.Value, tc.want)

			want, err := expr.Parse(tc.input)
			require.NoError(t, err)
			local, err := expr.Eval(want)
			require.NoError(t, err)
			assert.True(t, local.Equal(*res.Value), "remote and local evaluation disagree")
		})
	}
}

func TestEvaluate_CompletesTask(t *testing.T) {
	ctx, _ := testutil.Context(t)
	o := New(allPeers(), &testutil.FakeTransport{}, fastConfig())

	res, err := o.Evaluate(ctx, "2 * (3 + 4 / 3)")
	require.NoError(t, err)

	assert.Equal(t, task.StateCompleted, res.Task.State())
	artifacts := res.Task.Artifacts()
	require.Len(t, artifacts, 1)
	assert.Equal(t, ResultArtifact, artifacts[0].Name)
	assert.Equal(t, "26/3", artifacts[0].Value.String())

	fin := finalizeOf(t, res.Task)
	require.NotNil(t, fin.Content.Result)
	assert.Equal(t, "26/3", fin.Content.Result.String())
	assert.Equal(t, string(task.StateCompleted), fin.Content.TaskState)

	entries := res.Log.Entries()
	require.Len(t, entries, 3)
	for _, msg := range res.Task.Messages() {
		assert.Equal(t, res.TraceID, msg.TraceID)
	}
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Step, entries[i-1].Step)
	}
	assert.Greater(t, fin.Step, entries[len(entries)-1].Step)
}

func TestEvaluate_DivisionByZero(t *testing.T) {
	ctx, _ := testutil.Context(t)
	o := New(allPeers(), &testutil.FakeTransport{}, fastConfig())

	res, err := o.Evaluate(ctx, "1 + 4 / (2 - 2)")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrRemoteComputation)

	require.NotNil(t, res)
	assert.Nil(t, res.Value)
	assert.Equal(t, err, res.Err)
	assert.Equal(t, task.StateFailed, res.Task.State())
	assert.Empty(t, res.Task.Artifacts())

	fin := finalizeOf(t, res.Task)
	assert.Nil(t, fin.Content.Result)
	assert.Equal(t, string(task.StateFailed), fin.Content.TaskState)

	// The partial log keeps the subtraction that succeeded.
	assert.Equal(t, 2, res.Log.Len())
}

func TestEvaluate_FailsBeforeDispatch(t *testing.T) {
	t.Run("parse error", func(t *testing.T) {
		ctx, _ := testutil.Context(t)
		tr := &testutil.FakeTransport{}
		res, err := New(allPeers(), tr, fastConfig()).Evaluate(ctx, "2 + * 3")

		assert.ErrorIs(t, err, fault.ErrParse)
		assert.Nil(t, res.Graph)
		assert.Equal(t, task.StateFailed, res.Task.State())
		assert.Empty(t, tr.Calls())
	})

	t.Run("no provider for an operation", func(t *testing.T) {
		ctx, _ := testutil.Context(t)
		tr := &testutil.FakeTransport{}
		reg := capability.NewRegistry([]capability.Record{peer("addition", expr.OpAdd), peer("multiplication", expr.OpMul)})
		_, err := New(reg, tr, fastConfig()).Evaluate(ctx, "1 + 2 * 3 - 4 / 2")

		require.Error(t, err)
		assert.ErrorIs(t, err, fault.ErrAgentUnavailable)
		assert.Contains(t, err.Error(), "sub, div")
		assert.Empty(t, tr.Calls())
	})
}

func TestEvaluate_StepBudget(t *testing.T) {
	ctx, _ := testutil.Context(t)
	cfg := fastConfig()
	cfg.Executor.StepBudget = 3
	res, err := New(allPeers(), &testutil.FakeTransport{}, cfg).Evaluate(ctx, "1 + 2 + 3 + 4 + 5 + 6")

	assert.ErrorIs(t, err, fault.ErrBudgetExceeded)
	assert.Equal(t, 3, res.Log.Len())
	assert.Equal(t, task.StateFailed, res.Task.State())
}

func TestEvaluate_StepBudgetWithParallelBranches(t *testing.T) {
	for i := 0; i < 20; i++ {
		ctx, _ := testutil.Context(t)
		cfg := fastConfig()
		cfg.Executor.StepBudget = 3
		cfg.Executor.Concurrency = 8
		tr := &testutil.FakeTransport{Delay: time.Millisecond}
		res, err := New(allPeers(), tr, cfg).Evaluate(ctx, "(1 + 2) * (3 + 4) + (5 + 6) * (7 + 8)")

		require.ErrorIs(t, err, fault.ErrBudgetExceeded)
		require.Equal(t, 3, res.Log.Len(), "run %d", i)
		require.Len(t, tr.Calls(), 3, "run %d", i)
	}
}

func TestEvaluate_Deadline(t *testing.T) {
	ctx, _ := testutil.Context(t)
	cfg := fastConfig()
	cfg.Deadline = 30 * time.Millisecond
	tr := &testutil.FakeTransport{Delay: time.Second}

	res, err := New(allPeers(), tr, cfg).Evaluate(ctx, "(1 + 2) * 3")
	assert.ErrorIs(t, err, fault.ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "deadline")
	assert.Equal(t, task.StateFailed, res.Task.State())
	assert.Nil(t, res.Value)
}

func TestEvaluate_LiteralOnly(t *testing.T) {
	ctx, _ := testutil.Context(t)
	tr := &testutil.FakeTransport{}
	res, err := New(allPeers(), tr, fastConfig()).Evaluate(ctx, "(42)")

	require.NoError(t, err)
	assert.Equal(t, "42", res.Value.String())
	assert.Equal(t, task.StateCompleted, res.Task.State())
	assert.Len(t, res.Task.Artifacts(), 1)
	assert.Empty(t, tr.Calls())
}

func TestEvaluate_IndependentOfScheduling(t *testing.T) {
	const input = "(1 + 2) * (3 - 4) + (5 / 6 - 7 * 8)"
	var results []string
	var graphs []string
	for _, workers := range []int{1, 2, 8} {
		ctx, _ := testutil.Context(t)
		cfg := fastConfig()
		cfg.Executor.Concurrency = workers
		res, err := New(allPeers(), &testutil.FakeTransport{Delay: time.Millisecond}, cfg).Evaluate(ctx, input)
		require.NoError(t, err)
		results = append(results, res.Value.String())
		graphs = append(graphs, res.Graph.Signature())
	}
	for i := 1; i < len(results); i++ {
		assert.Equal(t, results[0], results[i])
		assert.Equal(t, graphs[0], graphs[i])
	}
}

func TestEvaluate_IsStateless(t *testing.T) {
	ctx, _ := testutil.Context(t)
	o := New(allPeers(), &testutil.FakeTransport{}, fastConfig())

	first, err := o.Evaluate(ctx, "1 + 2")
	require.NoError(t, err)
	second, err := o.Evaluate(ctx, "3 * 4")
	require.NoError(t, err)

	assert.NotEqual(t, first.TraceID, second.TraceID)
	assert.NotEqual(t, first.Task.ID(), second.Task.ID())
	assert.Equal(t, 1, first.Log.Len())
	assert.Equal(t, 1, second.Log.Len())
	assert.EqualValues(t, 1, second.Log.Entries()[0].Step)
}

func TestEvaluate_RoutesRepeatedExpressionsIdentically(t *testing.T) {
	ctx, _ := testutil.Context(t)
	reg := capability.NewRegistry([]capability.Record{peer("adder-a", expr.OpAdd), peer("adder-b", expr.OpAdd)})
	cfg := fastConfig()
	cfg.Executor.Concurrency = 1
	o := New(reg, &testutil.FakeTransport{}, cfg)

	var routes [][]string
	for i := 0; i < 3; i++ {
		res, err := o.Evaluate(ctx, "1 + 2 + 3")
		require.NoError(t, err)
		var agents []string
		for _, e := range res.Log.Entries() {
			agents = append(agents, e.AgentID)
		}
		routes = append(routes, agents)
	}
	assert.Equal(t, []string{"adder-a", "adder-b"}, routes[0])
	assert.Equal(t, routes[0], routes[1])
	assert.Equal(t, routes[0], routes[2])
}

func TestResult_Trace(t *testing.T) {
	ctx, _ := testutil.Context(t)
	res, err := New(allPeers(), &testutil.FakeTransport{}, fastConfig()).Evaluate(ctx, "2 + 3 * 4")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, res.WriteTrace(&buf))

	var decoded Trace
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, res.TraceID, decoded.TraceID)
	assert.Equal(t, "2 + 3 * 4", decoded.Expression)
	require.NotNil(t, decoded.Result)
	assert.Equal(t, "14", decoded.Result.String())
	assert.Equal(t, task.StateCompleted, decoded.Task.State)
	assert.Len(t, decoded.Log, 2)
	assert.Equal(t, 2, decoded.Summary.Dispatches)
	assert.Equal(t, res.Graph.Signature(), decoded.Graph)

	path := filepath.Join(t.TempDir(), "trace.json")
	require.NoError(t, res.SaveTrace(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, buf.String(), string(data))
}

func TestResult_TraceOfFailure(t *testing.T) {
	ctx, _ := testutil.Context(t)
	res, err := New(allPeers(), &testutil.FakeTransport{}, fastConfig()).Evaluate(ctx, "5 / 0")
	require.Error(t, err)

	tr := res.Trace()
	assert.Nil(t, tr.Result)
	assert.Contains(t, tr.Error, "RemoteComputationError")
	assert.Equal(t, task.StateFailed, tr.Task.State)
	assert.Empty(t, tr.Task.Artifacts)
}
