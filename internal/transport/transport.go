// Package transport carries protocol envelopes to worker peers. HTTP is the
// default; socket.io is available for peers that speak it.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/specialistvlad/calcgrid/internal/protocol"
)

// Transport sends a request envelope to the peer at endpoint and waits for
// its response. Implementations classify failures with the fault package:
// an expired or cancelled ctx is a DispatchTimeoutError, an unreachable
// peer a NetworkError, and an unreadable answer a ProtocolViolationError.
type Transport interface {
	Send(ctx context.Context, endpoint string, req protocol.Envelope) (protocol.Envelope, error)
	Close() error
}

// Kinds of transport accepted by New.
const (
	KindHTTP     = "http"
	KindSocketIO = "socketio"
)

// Options configure a transport.
type Options struct {
	// ConnectTimeout bounds establishing a socket.io connection.
	ConnectTimeout time.Duration
	// HTTPClient overrides the client used by the HTTP transport.
	HTTPClient *http.Client
}

// New builds the transport named by kind.
func New(kind string, opts Options) (Transport, error) {
	switch kind {
	case "", KindHTTP:
		return NewHTTP(opts.HTTPClient), nil
	case KindSocketIO:
		return NewSocketIO(opts.ConnectTimeout), nil
	}
	return nil, fmt.Errorf("unknown transport %q: must be %q or %q", kind, KindHTTP, KindSocketIO)
}

// cancelled converts a done context into a DispatchTimeoutError carrying
// the cancellation cause.
func cancelled(ctx context.Context, format string, args ...any) error {
	return fault.Wrap(fault.KindDispatchTimeout, context.Cause(ctx), format, args...)
}
