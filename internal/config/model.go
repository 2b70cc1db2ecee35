package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Transport names accepted in the orchestrator block.
const (
	TransportHTTP     = "http"
	TransportSocketIO = "socketio"
)

// Model is the unified, format-agnostic configuration.
type Model struct {
	Orchestrator Orchestrator
	Peers        []Peer
}

// Orchestrator holds the limits applied to every evaluation.
type Orchestrator struct {
	Concurrency int
	// StepBudget caps dispatch attempts per evaluation. Zero is unlimited.
	StepBudget int
	// Deadline is the wall-clock limit per evaluation. Zero is unlimited.
	Deadline    time.Duration
	CallTimeout time.Duration
	MaxAttempts int
	// RetryBackoff is the pause between attempts. Zero means none.
	RetryBackoff time.Duration
	Transport    string
	// DiscoveryTimeout bounds each capability document fetch.
	DiscoveryTimeout time.Duration
}

// Peer is a remote worker the orchestrator discovers at startup.
type Peer struct {
	Name     string
	Endpoint string
}

// Default returns the configuration used when no file sets a value.
func Default() *Model {
	return &Model{
		Orchestrator: Orchestrator{
			Concurrency:      4,
			CallTimeout:      5 * time.Second,
			MaxAttempts:      3,
			RetryBackoff:     50 * time.Millisecond,
			Transport:        TransportHTTP,
			DiscoveryTimeout: 5 * time.Second,
		},
	}
}

// Validate reports every problem in the model at once.
func (m *Model) Validate() error {
	var errs []error
	o := m.Orchestrator
	if o.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.concurrency must be at least 1, got %d", o.Concurrency))
	}
	if o.StepBudget < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.step_budget must not be negative, got %d", o.StepBudget))
	}
	if o.Deadline < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.deadline must not be negative, got %s", o.Deadline))
	}
	if o.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.call_timeout must not be negative, got %s", o.CallTimeout))
	}
	if o.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_attempts must be at least 1, got %d", o.MaxAttempts))
	}
	if o.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.retry_backoff must not be negative, got %s", o.RetryBackoff))
	}
	if o.DiscoveryTimeout < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.discovery_timeout must not be negative, got %s", o.DiscoveryTimeout))
	}
	switch o.Transport {
	case TransportHTTP, TransportSocketIO:
	default:
		errs = append(errs, fmt.Errorf("orchestrator.transport must be %q or %q, got %q", TransportHTTP, TransportSocketIO, o.Transport))
	}

	if len(m.Peers) == 0 {
		errs = append(errs, errors.New("at least one peer is required"))
	}
	names := make(map[string]bool)
	for i, p := range m.Peers {
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Errorf("peer #%d has no name", i+1))
		} else if names[p.Name] {
			errs = append(errs, fmt.Errorf("peer %q is declared more than once", p.Name))
		}
		names[p.Name] = true
		if err := validateEndpoint(p.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("peer %q: %w", p.Name, err))
		}
	}
	return errors.Join(errs...)
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("endpoint %q must be an http(s) or ws(s) URL", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return nil
}

// ParsePeers parses a comma separated peer list. Each item is either
// "name=url" or a bare URL, which is named after its host.
func ParsePeers(list string) ([]Peer, error) {
	var peers []Peer
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, endpoint, found := strings.Cut(item, "=")
		if !found {
			endpoint = item
			u, err := url.Parse(item)
			if err != nil || u.Host == "" {
				return nil, fmt.Errorf("invalid peer %q: expected name=url or a URL", item)
			}
			name = u.Host
		}
		peers = append(peers, Peer{Name: strings.TrimSpace(name), Endpoint: strings.TrimSpace(endpoint)})
	}
	return peers, nil
}
