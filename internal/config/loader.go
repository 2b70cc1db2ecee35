package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
)

// fileRoot is the schema of a single configuration file.
type fileRoot struct {
	Orchestrator *orchestratorBlock `hcl:"orchestrator,block"`
	Peers        []*peerBlock       `hcl:"peer,block"`
}

type orchestratorBlock struct {
	Concurrency      *int    `hcl:"concurrency,optional"`
	StepBudget       *int    `hcl:"step_budget,optional"`
	Deadline         *string `hcl:"deadline,optional"`
	CallTimeout      *string `hcl:"call_timeout,optional"`
	MaxAttempts      *int    `hcl:"max_attempts,optional"`
	RetryBackoff     *string `hcl:"retry_backoff,optional"`
	Transport        *string `hcl:"transport,optional"`
	DiscoveryTimeout *string `hcl:"discovery_timeout,optional"`
}

type peerBlock struct {
	Name     string `hcl:"name,label"`
	Endpoint string `hcl:"endpoint"`
}

// Loader reads HCL configuration files.
type Loader struct {
	// Env is exposed to expressions as the `env` object. Nil means the
	// process environment.
	Env map[string]string
}

// NewLoader creates a loader bound to the process environment.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads every .hcl file under paths, in lexical order, on top of
// Default. Directories are walked recursively. The result is not
// validated, so callers can apply overrides first.
func (l *Loader) Load(ctx context.Context, paths ...string) (*Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	model := Default()
	evalCtx := l.evalContext()
	parser := hclparse.NewParser()
	seenOrchestrator := ""

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}

		if root.Orchestrator != nil {
			if seenOrchestrator != "" {
				return nil, fmt.Errorf("%s: duplicate orchestrator block, already defined in %s", file, seenOrchestrator)
			}
			seenOrchestrator = file
			if err := root.Orchestrator.applyTo(&model.Orchestrator); err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
		}
		for _, p := range root.Peers {
			model.Peers = append(model.Peers, Peer{Name: p.Name, Endpoint: p.Endpoint})
		}
	}

	logger.Debug("HCL loading complete.", "peers", len(model.Peers), "transport", model.Orchestrator.Transport)
	return model, nil
}

func (b *orchestratorBlock) applyTo(o *Orchestrator) error {
	if b.Concurrency != nil {
		o.Concurrency = *b.Concurrency
	}
	if b.StepBudget != nil {
		o.StepBudget = *b.StepBudget
	}
	if b.MaxAttempts != nil {
		o.MaxAttempts = *b.MaxAttempts
	}
	if b.Transport != nil {
		o.Transport = strings.ToLower(strings.TrimSpace(*b.Transport))
	}
	durations := []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"deadline", b.Deadline, &o.Deadline},
		{"call_timeout", b.CallTimeout, &o.CallTimeout},
		{"retry_backoff", b.RetryBackoff, &o.RetryBackoff},
		{"discovery_timeout", b.DiscoveryTimeout, &o.DiscoveryTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("orchestrator.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// evalContext exposes the environment as the `env` object.
func (l *Loader) evalContext() *hcl.EvalContext {
	env := l.Env
	if env == nil {
		env = make(map[string]string)
		for _, e := range os.Environ() {
			if k, v, ok := strings.Cut(e, "="); ok {
				env[k] = v
			}
		}
	}
	vals := make(map[string]cty.Value, len(env))
	for k, v := range env {
		vals[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vals)},
	}
}

// findAllHCLFiles walks all given paths and returns a sorted list of the
// .hcl files found. Missing paths are an error.
func findAllHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			allFiles = append(allFiles, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && filepath.Ext(p) == ".hcl" {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(allFiles)
	return allFiles, nil
}
