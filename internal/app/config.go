package app

import (
	"errors"
	"time"

	"github.com/specialistvlad/calcgrid/internal/config"
)

// Mode selects what a run does.
type Mode string

const (
	ModeExpression Mode = "expression"
	ModeDataset    Mode = "dataset"
	ModeGenerate   Mode = "generate"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// ConfigPaths are HCL files or directories.
	ConfigPaths []string
	// Peers from the command line are appended to the configured ones.
	Peers []config.Peer

	Expression  string
	DatasetPath string

	Generate          int
	GenerateOut       string
	GenerateSeed      uint64
	GenerateOperands  int
	GenerateOperators string
	GenerateMin       int
	GenerateMax       int

	// Overrides of the orchestrator block. Zero keeps the configured value.
	Workers     int
	Budget      int
	Deadline    time.Duration
	CallTimeout time.Duration
	Attempts    int
	Transport   string

	TraceOut        string
	LogFormat       string
	LogLevel        string
	HealthcheckPort int
}

// NewConfig validates cfg and returns a copy.
func NewConfig(cfg Config) (*Config, error) {
	modes := 0
	if cfg.Expression != "" {
		modes++
	}
	if cfg.DatasetPath != "" {
		modes++
	}
	if cfg.Generate > 0 {
		modes++
	}
	switch {
	case modes == 0:
		return nil, errors.New("one of an expression, -dataset or -generate is required")
	case modes > 1:
		return nil, errors.New("an expression, -dataset and -generate are mutually exclusive")
	}
	if cfg.Generate < 0 {
		return nil, errors.New("-generate must not be negative")
	}
	if cfg.Workers < 0 || cfg.Budget < 0 || cfg.Attempts < 0 || cfg.Deadline < 0 || cfg.CallTimeout < 0 {
		return nil, errors.New("numeric overrides must not be negative")
	}
	return &cfg, nil
}

// Mode reports which mode cfg selects.
func (c *Config) Mode() Mode {
	switch {
	case c.Generate > 0:
		return ModeGenerate
	case c.DatasetPath != "":
		return ModeDataset
	default:
		return ModeExpression
	}
}

// apply layers the command-line overrides on top of the file model.
func (c *Config) apply(m *config.Model) {
	o := &m.Orchestrator
	if c.Workers > 0 {
		o.Concurrency = c.Workers
	}
	if c.Budget > 0 {
		o.StepBudget = c.Budget
	}
	if c.Deadline > 0 {
		o.Deadline = c.Deadline
	}
	if c.CallTimeout > 0 {
		o.CallTimeout = c.CallTimeout
	}
	if c.Attempts > 0 {
		o.MaxAttempts = c.Attempts
	}
	if c.Transport != "" {
		o.Transport = c.Transport
	}
	m.Peers = append(m.Peers, c.Peers...)
}
