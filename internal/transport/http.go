package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/specialistvlad/calcgrid/internal/protocol"
)

// ActPath is the endpoint path workers accept tool calls on.
const ActPath = "/act"

// HTTP posts envelopes as JSON to {endpoint}/act.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an HTTP transport. A nil client uses a fresh http.Client;
// per-call deadlines come from the context.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{client: client}
}

// Send implements Transport.
func (t *HTTP) Send(ctx context.Context, endpoint string, req protocol.Envelope) (protocol.Envelope, error) {
	url := strings.TrimRight(endpoint, "/") + ActPath
	logger := ctxlog.FromContext(ctx).With("url", url, "step", req.Step)

	body, err := json.Marshal(req)
	if err != nil {
		return protocol.Envelope{}, fault.Wrap(fault.KindProtocolViolation, err, "encoding request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return protocol.Envelope{}, fault.Wrap(fault.KindNetwork, err, "building request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	logger.Debug("Posting tool call.")
	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Envelope{}, cancelled(ctx, "POST %s", url)
		}
		return protocol.Envelope{}, fault.Wrap(fault.KindNetwork, err, "POST %s", url)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Envelope{}, cancelled(ctx, "reading response from %s", url)
		}
		return protocol.Envelope{}, fault.Wrap(fault.KindNetwork, err, "reading response from %s", url)
	}
	switch {
	case resp.StatusCode >= 500:
		return protocol.Envelope{}, fault.New(fault.KindNetwork, "POST %s: status %d", url, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return protocol.Envelope{}, fault.New(fault.KindProtocolViolation, "POST %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out protocol.Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		return protocol.Envelope{}, fault.Wrap(fault.KindProtocolViolation, err, "decoding response from %s", url)
	}
	logger.Debug("Received response.", "status", out.Content.Status)
	return out, nil
}

// Close releases idle connections.
func (t *HTTP) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
