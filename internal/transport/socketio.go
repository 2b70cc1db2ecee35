package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/specialistvlad/calcgrid/internal/protocol"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// Socket.io event names.
const (
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
)

const defaultConnectTimeout = 15 * time.Second

// SocketIO emits requests as tool_call events and matches tool_result
// events to waiting callers by step. One connection is kept per endpoint.
type SocketIO struct {
	connectTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*sioConn
}

type sioConn struct {
	sock *socket.Socket

	mu      sync.Mutex
	waiting map[int64]chan protocol.Envelope
}

// NewSocketIO creates a socket.io transport. Connections are opened lazily
// on the first Send to each endpoint.
func NewSocketIO(connectTimeout time.Duration) *SocketIO {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &SocketIO{connectTimeout: connectTimeout, conns: make(map[string]*sioConn)}
}

// Send implements Transport.
func (t *SocketIO) Send(ctx context.Context, endpoint string, req protocol.Envelope) (protocol.Envelope, error) {
	conn, err := t.conn(ctx, endpoint)
	if err != nil {
		return protocol.Envelope{}, err
	}

	payload, err := EncodePayload(req)
	if err != nil {
		return protocol.Envelope{}, fault.Wrap(fault.KindProtocolViolation, err, "encoding request")
	}

	ch := make(chan protocol.Envelope, 1)
	conn.mu.Lock()
	conn.waiting[req.Step] = ch
	conn.mu.Unlock()
	defer func() {
		conn.mu.Lock()
		delete(conn.waiting, req.Step)
		conn.mu.Unlock()
	}()

	ctxlog.FromContext(ctx).Debug("Emitting tool call.", "endpoint", endpoint, "sid", conn.sock.Id(), "step", req.Step)
	conn.sock.Emit(EventToolCall, payload)

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return protocol.Envelope{}, cancelled(ctx, "waiting for %s from %s", EventToolResult, endpoint)
	}
}

func (t *SocketIO) conn(ctx context.Context, endpoint string) (*sioConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[endpoint]; ok && c.sock.Connected() {
		return c, nil
	}
	c, err := t.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	t.conns[endpoint] = c
	return c, nil
}

func (t *SocketIO) dial(ctx context.Context, endpoint string) (*sioConn, error) {
	logger := ctxlog.FromContext(ctx).With("endpoint", endpoint)

	parsedURL, err := url.Parse(endpoint)
	if err != nil || parsedURL.Host == "" {
		return nil, fault.New(fault.KindNetwork, "invalid socket.io endpoint %q", endpoint)
	}

	opts := socket.DefaultOptions()
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		opts.SetPath(parsedURL.Path)
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket("/", opts)

	c := &sioConn{sock: io, waiting: make(map[int64]chan protocol.Envelope)}
	io.On(types.EventName(EventToolResult), func(data ...any) {
		if len(data) == 0 {
			logger.Warn("Empty tool_result event dropped.")
			return
		}
		resp, err := DecodePayload(data[0])
		if err != nil {
			logger.Warn("Undecodable tool_result event dropped.", "error", err)
			return
		}
		c.mu.Lock()
		ch, ok := c.waiting[resp.Step]
		c.mu.Unlock()
		if !ok {
			logger.Debug("tool_result for a step nobody waits on.", "step", resp.Step)
			return
		}
		select {
		case ch <- resp:
		default:
		}
	})

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Socket.io connected.", "sid", io.Id())
		notify(connectChan, nil)
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			} else {
				err = fmt.Errorf("connect_error: %v", errs[0])
			}
		}
		notify(connectChan, err)
	})

	logger.Debug("Initiating socket.io connection...")
	io.Connect()

	timer := time.NewTimer(t.connectTimeout)
	defer timer.Stop()
	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fault.Wrap(fault.KindNetwork, err, "socket.io connection to %s failed", endpoint)
		}
		return c, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, cancelled(ctx, "connecting to %s", endpoint)
	case <-timer.C:
		io.Disconnect()
		return nil, fault.New(fault.KindNetwork, "timed out after %s connecting to %s", t.connectTimeout, endpoint)
	}
}

func notify(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// Close disconnects every open connection.
func (t *SocketIO) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for endpoint, c := range t.conns {
		c.sock.Disconnect()
		delete(t.conns, endpoint)
	}
	return nil
}

// EncodePayload converts an envelope into the plain JSON object emitted as
// a socket.io event argument.
func EncodePayload(env protocol.Envelope) (map[string]any, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// DecodePayload accepts an event argument as a JSON object, JSON text or
// raw bytes.
func DecodePayload(arg any) (protocol.Envelope, error) {
	var data []byte
	switch v := arg.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return protocol.Envelope{}, err
		}
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}
