// Package dataset generates arithmetic benchmark datasets and evaluates an
// orchestrator against them.
//
// A dataset is JSON Lines, one sample per line:
//
//	{"expression":"12 * 7 - 3","result":"81"}
//
// Expected results are exact rationals computed locally with standard
// operator precedence.
package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/rational"
)

// Sample is one dataset line.
type Sample struct {
	Expression string         `json:"expression"`
	Result     rational.Value `json:"result"`
}

// GeneratorConfig controls Generate.
type GeneratorConfig struct {
	Samples  int
	Operands int
	// Operators is sampled uniformly for every gap between operands.
	Operators []expr.Op
	Min, Max  int
	Seed      uint64
}

// DefaultGeneratorConfig mirrors the classic "asmd easy" benchmark.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Samples:   100,
		Operands:  3,
		Operators: expr.Ops(),
		Min:       1,
		Max:       100,
		Seed:      123,
	}
}

// Validate reports every problem with the configuration at once.
func (c GeneratorConfig) Validate() error {
	var errs []error
	if c.Samples < 0 {
		errs = append(errs, fmt.Errorf("samples must not be negative, got %d", c.Samples))
	}
	if c.Operands < 2 {
		errs = append(errs, fmt.Errorf("operands must be at least 2, got %d", c.Operands))
	}
	if len(c.Operators) == 0 {
		errs = append(errs, errors.New("at least one operator is required"))
	}
	for _, op := range c.Operators {
		if !op.Valid() {
			errs = append(errs, fmt.Errorf("unsupported operator %q", op))
		}
	}
	if c.Min > c.Max {
		errs = append(errs, fmt.Errorf("value range is empty: min %d > max %d", c.Min, c.Max))
	}
	if c.Min == 0 && c.Max == 0 {
		errs = append(errs, errors.New("value range contains only zero"))
	}
	return errors.Join(errs...)
}

// ParseOperators accepts a comma separated list of operation names or
// symbols, for example "add,mul" or "+,-,*,/".
func ParseOperators(list string) ([]expr.Op, error) {
	var ops []expr.Op
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		op, ok := expr.ParseOp(item)
		if !ok {
			op, ok = opForSymbol(item)
		}
		if !ok {
			return nil, fmt.Errorf("unsupported operator %q", item)
		}
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		return nil, errors.New("no operators given")
	}
	return ops, nil
}

func opForSymbol(s string) (expr.Op, bool) {
	for _, op := range expr.Ops() {
		if op.Symbol() == s {
			return op, true
		}
	}
	return "", false
}

// Generate produces cfg.Samples random expressions with their exact
// results. The same seed always yields the same dataset. Samples that
// would divide by zero are drawn again.
func Generate(cfg GeneratorConfig) ([]Sample, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	samples := make([]Sample, 0, cfg.Samples)
	for len(samples) < cfg.Samples {
		text := randomExpression(rng, cfg)
		root, err := expr.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("generated unparseable expression %q: %w", text, err)
		}
		v, err := expr.Eval(root)
		if errors.Is(err, rational.ErrDivisionByZero) {
			continue
		}
		if err != nil {
			return nil, err
		}
		samples = append(samples, Sample{Expression: text, Result: v})
	}
	return samples, nil
}

func randomExpression(rng *rand.Rand, cfg GeneratorConfig) string {
	var b strings.Builder
	for i := 0; i < cfg.Operands; i++ {
		if i > 0 {
			op := cfg.Operators[rng.IntN(len(cfg.Operators))]
			b.WriteString(" ")
			b.WriteString(op.Symbol())
			b.WriteString(" ")
		}
		n := cfg.Min + rng.IntN(cfg.Max-cfg.Min+1)
		if n < 0 {
			b.WriteString("(" + strconv.Itoa(n) + ")")
		} else {
			b.WriteString(strconv.Itoa(n))
		}
	}
	return b.String()
}

// Write encodes samples as JSON Lines.
func Write(w io.Writer, samples []Sample) error {
	enc := json.NewEncoder(w)
	for i, s := range samples {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("writing sample %d: %w", i+1, err)
		}
	}
	return nil
}

// WriteFile writes samples to path, replacing any existing file.
func WriteFile(path string, samples []Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating dataset file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := Write(w, samples); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing dataset file %s: %w", path, err)
	}
	return f.Close()
}

// Load decodes a JSON Lines dataset. Blank lines are skipped.
func Load(r io.Reader) ([]Sample, error) {
	var samples []Sample
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var s Sample
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if strings.TrimSpace(s.Expression) == "" {
			return nil, fmt.Errorf("line %d: missing expression", line)
		}
		samples = append(samples, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading dataset: %w", err)
	}
	return samples, nil
}

// LoadFile reads the dataset at path.
func LoadFile(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()
	samples, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	return samples, nil
}
