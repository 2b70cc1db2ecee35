package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/specialistvlad/calcgrid/internal/protocol"
	"github.com/specialistvlad/calcgrid/internal/rational"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(t *testing.T) protocol.Envelope {
	t.Helper()
	req, err := protocol.NewCodec("trace-1", "orchestrator").ToolCall("adder", expr.OpAdd, rational.FromInt(2), rational.FromInt(3))
	require.NoError(t, err)
	return req
}

func actServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+ActPath, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTP_Send(t *testing.T) {
	srv := actServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		sum := req.Content.Operands[0].Add(req.Content.Operands[1])
		_ = json.NewEncoder(w).Encode(protocol.Reply(req, "adder", sum))
	})

	tr := NewHTTP(srv.Client())
	defer tr.Close()

	req := request(t)
	resp, err := tr.Send(context.Background(), srv.URL, req)
	require.NoError(t, err)
	assert.Equal(t, req.Step, resp.Step)
	assert.Equal(t, "adder", resp.Sender)
	require.NotNil(t, resp.Content.Result)
	assert.Equal(t, "5", resp.Content.Result.String())
}

func TestHTTP_ErrorClassification(t *testing.T) {
	t.Run("per-call deadline is a dispatch timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := actServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := NewHTTP(srv.Client()).Send(ctx, srv.URL, request(t))
		assert.ErrorIs(t, err, fault.ErrDispatchTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, fault.Retryable(err))
	})

	t.Run("refused connection is a network error", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())

		_, err = NewHTTP(nil).Send(context.Background(), "http://"+addr, request(t))
		assert.ErrorIs(t, err, fault.ErrNetwork)
	})

	t.Run("server error is a network error", func(t *testing.T) {
		srv := actServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		})
		_, err := NewHTTP(srv.Client()).Send(context.Background(), srv.URL, request(t))
		assert.ErrorIs(t, err, fault.ErrNetwork)
	})

	t.Run("client error is a protocol violation", func(t *testing.T) {
		srv := actServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "malformed envelope", http.StatusBadRequest)
		})
		_, err := NewHTTP(srv.Client()).Send(context.Background(), srv.URL, request(t))
		assert.ErrorIs(t, err, fault.ErrProtocolViolation)
		assert.Contains(t, err.Error(), "malformed envelope")
	})

	t.Run("undecodable body is a protocol violation", func(t *testing.T) {
		srv := actServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		})
		_, err := NewHTTP(srv.Client()).Send(context.Background(), srv.URL, request(t))
		assert.ErrorIs(t, err, fault.ErrProtocolViolation)
		assert.False(t, fault.Retryable(err))
	})
}

func TestNew(t *testing.T) {
	tr, err := New("", Options{})
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, tr)

	tr, err = New(KindSocketIO, Options{ConnectTimeout: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &SocketIO{}, tr)
	assert.NoError(t, tr.Close())

	_, err = New("carrier-pigeon", Options{})
	assert.Error(t, err)
}

func TestSocketIO_Payload(t *testing.T) {
	req := request(t)
	payload, err := EncodePayload(req)
	require.NoError(t, err)
	assert.Equal(t, "tool_call", payload["intent"])
	assert.Equal(t, []any{"2", "3"}, payload["content"].(map[string]any)["operands"])

	reply := protocol.Reply(req, "adder", rational.FromFrac(5, 2))
	asMap, err := EncodePayload(reply)
	require.NoError(t, err)
	asText, err := json.Marshal(reply)
	require.NoError(t, err)

	for name, arg := range map[string]any{"object": asMap, "text": string(asText), "bytes": asText} {
		got, err := DecodePayload(arg)
		require.NoError(t, err, name)
		assert.Equal(t, req.Step, got.Step, name)
		require.NotNil(t, got.Content.Result, name)
		assert.Equal(t, "5/2", got.Content.Result.String(), name)
	}

	_, err = DecodePayload("{")
	assert.Error(t, err)
}

func TestSocketIO_UnreachableEndpoint(t *testing.T) {
	tr := NewSocketIO(200 * time.Millisecond)
	defer tr.Close()

	_, err := tr.Send(context.Background(), "not a url", request(t))
	assert.ErrorIs(t, err, fault.ErrNetwork)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = tr.Send(context.Background(), "http://"+addr, request(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrNetwork))
}
