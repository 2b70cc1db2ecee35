// Package capability discovers which peers can execute which operations and
// selects a peer for each dispatch.
//
// A Registry is built once by Discover and is immutable afterwards. Each
// evaluation draws peers from its own Selector, so the round-robin order
// restarts with every evaluation.
// Peers that cannot be reached or that publish an invalid document are
// excluded with a Warning; Require then fails fast with an
// AgentUnavailableError if an operation the expression needs has no
// provider, before anything is dispatched.
package capability

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/fault"
	"golang.org/x/sync/errgroup"
)

// Peer is a configured peer endpoint.
type Peer struct {
	Name     string
	Endpoint string
}

// Record is what the registry knows about one discovered peer.
type Record struct {
	AgentID      string
	Endpoint     string
	SupportedOps map[expr.Op]struct{}
	Version      string
}

// Supports reports whether the peer advertises op.
func (r Record) Supports(op expr.Op) bool {
	_, ok := r.SupportedOps[op]
	return ok
}

// Ops returns the advertised operations in expr.Ops order.
func (r Record) Ops() []expr.Op {
	var ops []expr.Op
	for _, op := range expr.Ops() {
		if r.Supports(op) {
			ops = append(ops, op)
		}
	}
	return ops
}

// Warning describes a peer excluded or partly ignored during discovery.
type Warning struct {
	Peer     string
	Endpoint string
	Err      error
}

func (w Warning) String() string {
	return fmt.Sprintf("peer %q (%s): %v", w.Peer, w.Endpoint, w.Err)
}

// Options bound discovery.
type Options struct {
	// Concurrency caps simultaneous fetches. Zero means one per peer.
	Concurrency int
	// Timeout bounds each fetch. Zero means no per-fetch timeout.
	Timeout time.Duration
}

// Registry maps operations to the peers that support them.
type Registry struct {
	records []Record
	byOp    map[expr.Op][]int
}

// NewRegistry builds a registry from records. Candidate order for every
// operation follows the order of records.
func NewRegistry(records []Record) *Registry {
	r := &Registry{
		records: records,
		byOp:    make(map[expr.Op][]int),
	}
	for i, rec := range records {
		for _, op := range rec.Ops() {
			r.byOp[op] = append(r.byOp[op], i)
		}
	}
	return r
}

// Discover fetches the capability document of every peer concurrently and
// builds a registry from the ones that answered with a valid document.
// Failures become warnings; only cancellation of ctx is an error.
func Discover(ctx context.Context, peers []Peer, fetcher Fetcher, opts Options) (*Registry, []Warning, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Starting capability discovery.", "peers", len(peers), "concurrency", opts.Concurrency)

	type outcome struct {
		record   Record
		warnings []Warning
		ok       bool
	}
	results := make([]outcome, len(peers))

	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i, peer := range peers {
		g.Go(func() error {
			fetchCtx := gctx
			if opts.Timeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(gctx, opts.Timeout)
				defer cancel()
			}
			doc, err := fetcher.Fetch(fetchCtx, peer.Endpoint)
			if err != nil {
				results[i].warnings = append(results[i].warnings, Warning{Peer: peer.Name, Endpoint: peer.Endpoint, Err: err})
				return nil
			}
			rec, warnings, err := recordFromDocument(peer, doc)
			results[i].warnings = append(results[i].warnings, warnings...)
			if err != nil {
				results[i].warnings = append(results[i].warnings, Warning{Peer: peer.Name, Endpoint: peer.Endpoint, Err: err})
				return nil
			}
			results[i].record, results[i].ok = rec, true
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("capability discovery interrupted: %w", context.Cause(ctx))
	}

	var records []Record
	var warnings []Warning
	seen := make(map[string]string)
	for i, res := range results {
		warnings = append(warnings, res.warnings...)
		if !res.ok {
			continue
		}
		if prev, dup := seen[res.record.AgentID]; dup {
			warnings = append(warnings, Warning{
				Peer:     peers[i].Name,
				Endpoint: peers[i].Endpoint,
				Err:      fmt.Errorf("duplicate agent id %q already registered by peer %q", res.record.AgentID, prev),
			})
			continue
		}
		seen[res.record.AgentID] = peers[i].Name
		records = append(records, res.record)
		logger.Debug("Peer registered.", "peer", peers[i].Name, "agent", res.record.AgentID, "ops", res.record.Ops())
	}
	for _, w := range warnings {
		logger.Warn("Capability discovery warning.", "peer", w.Peer, "endpoint", w.Endpoint, "error", w.Err)
	}
	logger.Info("🔎 Capability discovery finished.", "registered", len(records), "warnings", len(warnings))
	return NewRegistry(records), warnings, nil
}

func recordFromDocument(peer Peer, doc Document) (Record, []Warning, error) {
	if strings.TrimSpace(doc.AgentID) == "" {
		return Record{}, nil, fault.New(fault.KindProtocolViolation, "capability document has no agentId")
	}
	rec := Record{
		AgentID:      doc.AgentID,
		Endpoint:     peer.Endpoint,
		Version:      doc.Version,
		SupportedOps: make(map[expr.Op]struct{}),
	}
	if doc.Endpoint != "" {
		rec.Endpoint = doc.Endpoint
	}
	var warnings []Warning
	for _, name := range doc.SupportedOperations {
		op, ok := expr.ParseOp(name)
		if !ok {
			warnings = append(warnings, Warning{Peer: peer.Name, Endpoint: peer.Endpoint, Err: fmt.Errorf("ignoring unknown operation %q", name)})
			continue
		}
		rec.SupportedOps[op] = struct{}{}
	}
	if len(rec.SupportedOps) == 0 {
		return Record{}, warnings, fault.New(fault.KindProtocolViolation, "agent %q advertises no supported operations", doc.AgentID)
	}
	return rec, warnings, nil
}

// Records returns the registered peers in candidate order.
func (r *Registry) Records() []Record {
	return slices.Clone(r.records)
}

// Providers returns the peers that support op, in candidate order.
func (r *Registry) Providers(op expr.Op) []Record {
	var out []Record
	for _, i := range r.byOp[op] {
		out = append(out, r.records[i])
	}
	return out
}

// Require fails with an AgentUnavailableError naming every operation in
// ops that has no provider.
func (r *Registry) Require(ops []expr.Op) error {
	var missing []string
	for _, op := range ops {
		if len(r.byOp[op]) == 0 {
			missing = append(missing, string(op))
		}
	}
	if len(missing) > 0 {
		return fault.New(fault.KindAgentUnavailable, "no peer supports %s", strings.Join(missing, ", "))
	}
	return nil
}

// Selector hands out the providers of a Registry in round-robin order.
// It is safe for concurrent use.
type Selector struct {
	reg     *Registry
	cursors map[expr.Op]*atomic.Uint64
}

// NewSelector returns a selector whose cursors all start at the first
// candidate.
func (r *Registry) NewSelector() *Selector {
	s := &Selector{reg: r, cursors: make(map[expr.Op]*atomic.Uint64)}
	for _, op := range expr.Ops() {
		s.cursors[op] = new(atomic.Uint64)
	}
	return s
}

// Select returns the next provider of op. The cursor advances atomically,
// so concurrent callers receive successive candidates.
func (s *Selector) Select(op expr.Op) (Record, error) {
	if !op.Valid() {
		return Record{}, fault.New(fault.KindUnknownOperation, "operation %q", op)
	}
	candidates := s.reg.byOp[op]
	if len(candidates) == 0 {
		return Record{}, fault.New(fault.KindAgentUnavailable, "no peer supports %s", op)
	}
	n := s.cursors[op].Add(1) - 1
	return s.reg.records[candidates[n%uint64(len(candidates))]], nil
}
