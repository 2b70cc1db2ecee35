package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/specialistvlad/calcgrid/internal/app"
	"github.com/specialistvlad/calcgrid/internal/config"
	"github.com/specialistvlad/calcgrid/internal/worker"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) *ExitError {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("calcgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
calcgrid - evaluates arithmetic expressions by dispatching every operation
to remote worker peers.

Usage:
  calcgrid [options] [EXPRESSION]
  calcgrid [options] -dataset FILE
  calcgrid -generate N [-generate-out FILE]

Arguments:
  EXPRESSION
    An arithmetic expression such as "2 * (3 + 4 / 3)".

Options:
`)
		flagSet.PrintDefaults()
	}

	var configPaths stringList
	flagSet.Var(&configPaths, "config", "Path to an HCL config file or directory. May be repeated.")
	exprFlag := flagSet.String("expr", "", "Expression to evaluate.")
	datasetFlag := flagSet.String("dataset", "", "Evaluate every expression of a JSONL dataset.")
	peersFlag := flagSet.String("peers", "", "Comma separated peers, each name=url or a bare url.")
	workersFlag := flagSet.Int("workers", 0, "Number of concurrent dispatch workers. 0 keeps the configured value.")
	budgetFlag := flagSet.Int("budget", 0, "Maximum dispatches per expression. 0 keeps the configured value.")
	deadlineFlag := flagSet.Duration("deadline", 0, "Wall-clock limit per expression. 0 keeps the configured value.")
	callTimeoutFlag := flagSet.Duration("call-timeout", 0, "Timeout of a single dispatch. 0 keeps the configured value.")
	attemptsFlag := flagSet.Int("attempts", 0, "Tries per operation on transient failures. 0 keeps the configured value.")
	transportFlag := flagSet.String("transport", "", "Dispatch transport: 'http' or 'socketio'. Empty keeps the configured value.")
	traceOutFlag := flagSet.String("trace-out", "", "Write the run trace (or dataset report) as JSON to this file.")
	generateFlag := flagSet.Int("generate", 0, "Generate a dataset with this many samples instead of evaluating.")
	generateOutFlag := flagSet.String("generate-out", "", "File for -generate. Empty or '-' writes to stdout.")
	seedFlag := flagSet.Uint64("seed", 0, "Random seed for -generate. 0 uses the default seed.")
	operandsFlag := flagSet.Int("operands", 0, "Operands per generated expression. 0 uses the default.")
	operatorsFlag := flagSet.String("operators", "", "Operators for -generate, e.g. '+,-,*,/'. Empty uses all.")
	minFlag := flagSet.Int("min", 0, "Smallest generated operand.")
	maxFlag := flagSet.Int("max", 0, "Largest generated operand. min=max=0 uses the default range.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	expression := *exprFlag
	if expression == "" && flagSet.NArg() > 0 {
		expression = strings.Join(flagSet.Args(), " ")
	}
	if expression == "" && *datasetFlag == "" && *generateFlag == 0 {
		slog.Debug("Nothing to do, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat, logLevel, err := logOptions(*logFormatFlag, *logLevelFlag)
	if err != nil {
		return nil, false, err
	}

	peers, err := config.ParsePeers(*peersFlag)
	if err != nil {
		return nil, false, usageError("invalid -peers: %v", err)
	}

	transport := strings.ToLower(*transportFlag)
	switch transport {
	case "", config.TransportHTTP, config.TransportSocketIO:
	default:
		return nil, false, usageError("invalid transport: must be '%s' or '%s'", config.TransportHTTP, config.TransportSocketIO)
	}
	slog.Debug("CLI parameter validation complete.")

	cfg, err := app.NewConfig(app.Config{
		ConfigPaths:       configPaths,
		Peers:             peers,
		Expression:        expression,
		DatasetPath:       *datasetFlag,
		Generate:          *generateFlag,
		GenerateOut:       *generateOutFlag,
		GenerateSeed:      *seedFlag,
		GenerateOperands:  *operandsFlag,
		GenerateOperators: *operatorsFlag,
		GenerateMin:       *minFlag,
		GenerateMax:       *maxFlag,
		Workers:           *workersFlag,
		Budget:            *budgetFlag,
		Deadline:          *deadlineFlag,
		CallTimeout:       *callTimeoutFlag,
		Attempts:          *attemptsFlag,
		Transport:         transport,
		TraceOut:          *traceOutFlag,
		LogFormat:         logFormat,
		LogLevel:          logLevel,
		HealthcheckPort:   *healthPortFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "mode", cfg.Mode())
	return cfg, false, nil
}

// ParseWorker processes the worker binary's arguments.
func ParseWorker(args []string, output io.Writer) (*app.WorkerConfig, bool, error) {
	flagSet := flag.NewFlagSet("calcgrid-worker", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, `
calcgrid-worker - an arithmetic peer answering tool calls with exact
rational results.

Usage:
  calcgrid-worker [options]

Options:
`)
		flagSet.PrintDefaults()
	}

	listenFlag := flagSet.String("listen", ":9100", "Address to listen on.")
	agentIDFlag := flagSet.String("agent-id", "calculator", "Agent id published in the capability document.")
	opsFlag := flagSet.String("ops", "all", "Comma separated operations to serve: add, sub, mul, div or 'all'.")
	versionFlag := flagSet.String("version", "1.0.0", "Version published in the capability document.")
	publicURLFlag := flagSet.String("public-url", "", "Endpoint advertised to orchestrators. Empty lets them keep the discovered one.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	if flagSet.NArg() > 0 {
		return nil, false, usageError("unexpected arguments: %s", strings.Join(flagSet.Args(), " "))
	}

	logFormat, logLevel, err := logOptions(*logFormatFlag, *logLevelFlag)
	if err != nil {
		return nil, false, err
	}
	ops, err := worker.ParseOps(*opsFlag)
	if err != nil {
		return nil, false, usageError("invalid -ops: %v", err)
	}

	cfg, err := app.NewWorkerConfig(app.WorkerConfig{
		Listen:    *listenFlag,
		AgentID:   *agentIDFlag,
		Ops:       ops,
		Version:   *versionFlag,
		PublicURL: *publicURLFlag,
		LogFormat: logFormat,
		LogLevel:  logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	return cfg, false, nil
}

func logOptions(format, level string) (string, string, error) {
	logFormat := strings.ToLower(format)
	if logFormat != "text" && logFormat != "json" {
		return "", "", usageError("invalid log-format: must be 'text' or 'json'")
	}
	logLevel := strings.ToLower(level)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return "", "", usageError("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}
	return logFormat, logLevel, nil
}
