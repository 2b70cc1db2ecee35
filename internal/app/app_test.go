package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/specialistvlad/calcgrid/internal/config"
	"github.com/specialistvlad/calcgrid/internal/dataset"
	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/orchestrator"
	"github.com/specialistvlad/calcgrid/internal/testutil"
	"github.com/specialistvlad/calcgrid/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SetupAppTest creates a new app instance for system testing. Results go to
// the returned output buffer, logs to the SafeBuffer.
func SetupAppTest(t *testing.T, appConfig Config) (*App, *bytes.Buffer, *testutil.SafeBuffer) {
	t.Helper()

	logBuffer := &testutil.SafeBuffer{}
	out := &bytes.Buffer{}
	appConfig.LogLevel = "debug"
	cfg, err := NewConfig(appConfig)
	require.NoError(t, err)
	testApp, err := NewApp(out, logBuffer, cfg, &config.Loader{Env: map[string]string{}})
	require.NoError(t, err)

	t.Cleanup(func() {
		if os.Getenv("CALCGRID_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
		}
	})
	return testApp, out, logBuffer
}

// startPeers runs one worker per operation and returns them as config peers.
func startPeers(t *testing.T) []config.Peer {
	t.Helper()
	var peers []config.Peer
	for _, op := range expr.Ops() {
		name := string(op) + "-worker"
		srv, err := worker.New(context.Background(), worker.Config{AgentID: name, Version: "test", Ops: []expr.Op{op}})
		require.NoError(t, err)
		ts := httptest.NewServer(srv.Handler())
		t.Cleanup(ts.Close)
		peers = append(peers, config.Peer{Name: name, Endpoint: ts.URL})
	}
	return peers
}

func TestNewConfig(t *testing.T) {
	_, err := NewConfig(Config{})
	assert.ErrorContains(t, err, "required")

	_, err = NewConfig(Config{Expression: "1 + 1", DatasetPath: "data.jsonl"})
	assert.ErrorContains(t, err, "mutually exclusive")

	_, err = NewConfig(Config{Expression: "1 + 1", Workers: -1})
	assert.Error(t, err)

	for want, cfg := range map[Mode]Config{
		ModeExpression: {Expression: "1 + 1"},
		ModeDataset:    {DatasetPath: "data.jsonl"},
		ModeGenerate:   {Generate: 10},
	} {
		got, err := NewConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, want, got.Mode())
	}
}

func TestNewApp_LayersOverridesOnFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calcgrid.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
orchestrator {
  concurrency = 2
  step_budget = 10
}
peer "calc" { endpoint = "http://127.0.0.1:9100" }
`), 0o600))

	app, _, _ := SetupAppTest(t, Config{
		Expression:  "1 + 1",
		ConfigPaths: []string{path},
		Workers:     6,
		Peers:       []config.Peer{{Name: "extra", Endpoint: "http://127.0.0.1:9200"}},
	})
	m := app.Model()
	assert.Equal(t, 6, m.Orchestrator.Concurrency)
	assert.Equal(t, 10, m.Orchestrator.StepBudget)
	require.Len(t, m.Peers, 2)
	assert.Equal(t, "extra", m.Peers[1].Name)
}

func TestNewApp_InvalidConfiguration(t *testing.T) {
	cfg, err := NewConfig(Config{Expression: "1 + 1", Transport: "carrier-pigeon"})
	require.NoError(t, err)
	_, err = NewApp(&bytes.Buffer{}, &bytes.Buffer{}, cfg, config.NewLoader())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
	assert.Contains(t, err.Error(), "at least one peer")
}

func TestRun_Expression(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "trace.json")
	app, out, logs := SetupAppTest(t, Config{
		Expression: "2 * (3 + 4 / 3)",
		Peers:      startPeers(t),
		TraceOut:   tracePath,
	})

	require.NoError(t, app.Run(context.Background()))
	assert.Equal(t, "2 * (3 + 4 / 3) = 26/3\n", out.String())
	assert.Contains(t, logs.String(), "Capability discovery finished")

	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	var trace orchestrator.Trace
	require.NoError(t, json.Unmarshal(data, &trace))
	assert.Equal(t, "26/3", trace.Result.String())
	assert.Len(t, trace.Log, 3)
}

func TestRun_ExpressionFailure(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "trace.json")
	app, out, _ := SetupAppTest(t, Config{
		Expression: "1 / (2 - 2)",
		Peers:      startPeers(t),
		TraceOut:   tracePath,
	})

	err := app.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division_by_zero")
	assert.Empty(t, out.String())
	assert.FileExists(t, tracePath)
}

func TestRun_GenerateAndEvaluateDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.jsonl")
	gen, _, _ := SetupAppTest(t, Config{Generate: 8, GenerateOut: path, GenerateSeed: 42, GenerateOperators: "+,*"})
	require.NoError(t, gen.Run(context.Background()))

	samples, err := dataset.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, samples, 8)
	for _, s := range samples {
		assert.NotContains(t, s.Expression, "/")
		assert.NotContains(t, s.Expression, " - ")
	}

	eval, out, _ := SetupAppTest(t, Config{DatasetPath: path, Peers: startPeers(t)})
	require.NoError(t, eval.Run(context.Background()))

	var report dataset.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 8, report.Total)
	assert.Equal(t, 8, report.Correct)
	assert.Equal(t, 1.0, report.Accuracy)
}

func TestRun_GenerateToOutput(t *testing.T) {
	app, out, _ := SetupAppTest(t, Config{Generate: 3})
	require.NoError(t, app.Run(context.Background()))
	assert.Equal(t, 3, strings.Count(out.String(), "\n"))
}

func TestHealthHandlers(t *testing.T) {
	app, _, _ := SetupAppTest(t, Config{Generate: 1})
	mux := app.healthMux()

	for _, tc := range []struct {
		path  string
		ready bool
		code  int
	}{
		{"/health", false, http.StatusOK},
		{"/ready", false, http.StatusServiceUnavailable},
		{"/ready", true, http.StatusOK},
	} {
		t.Run(fmt.Sprintf("%s ready=%v", tc.path, tc.ready), func(t *testing.T) {
			app.ready.Store(tc.ready)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])

	buf.Reset()
	newLogger("bogus", "text", &buf).Debug("hidden")
	assert.Empty(t, buf.String())
}
