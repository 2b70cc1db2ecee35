package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/specialistvlad/calcgrid/internal/fault"
)

// WellKnownPath is where every peer publishes its capability document.
const WellKnownPath = "/.well-known/agent.json"

// Document is the capability document a peer serves at WellKnownPath.
type Document struct {
	AgentID             string   `json:"agentId"`
	Version             string   `json:"version"`
	Endpoint            string   `json:"endpoint"`
	SupportedOperations []string `json:"supportedOperations"`
	InputModalities     []string `json:"inputModalities,omitempty"`
	OutputModalities    []string `json:"outputModalities,omitempty"`
}

// Fetcher retrieves the capability document of the peer at endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string) (Document, error)
}

// HTTPFetcher fetches documents over HTTP.
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, endpoint string) (Document, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(endpoint, "/") + WellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Document{}, fmt.Errorf("building discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Document{}, fault.Wrap(fault.KindDispatchTimeout, context.Cause(ctx), "GET %s", url)
		}
		return Document{}, fault.Wrap(fault.KindNetwork, err, "GET %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Document{}, fault.New(fault.KindNetwork, "GET %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Document{}, fault.Wrap(fault.KindProtocolViolation, err, "decoding capability document from %s", url)
	}
	return doc, nil
}
