// Package worker implements the arithmetic peer the orchestrator dispatches
// to. A worker publishes its capability document at the well-known path and
// answers tool calls with exact rational arithmetic, either as HTTP posts
// to /act or as socket.io tool_call events answered with tool_result.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/specialistvlad/calcgrid/internal/capability"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/expr"
	"github.com/specialistvlad/calcgrid/internal/fault"
	"github.com/specialistvlad/calcgrid/internal/protocol"
	"github.com/specialistvlad/calcgrid/internal/rational"
	"github.com/specialistvlad/calcgrid/internal/transport"
	"github.com/zishang520/socket.io/v2/socket"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second

	// SocketIOPath is where the socket.io endpoint is mounted.
	SocketIOPath = "/socket.io/"
)

// Config describes one worker.
type Config struct {
	AgentID string
	Version string
	// PublicURL is advertised as the endpoint in the capability document.
	// When empty the orchestrator keeps the endpoint it discovered us on.
	PublicURL string
	Ops       []expr.Op
}

// Server answers capability and tool call requests.
type Server struct {
	cfg       Config
	supported map[expr.Op]struct{}
	ctx       context.Context
	sio       *socket.Server
}

// New validates cfg and creates a server. ctx carries the logger.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, errors.New("agent id is required")
	}
	if len(cfg.Ops) == 0 {
		return nil, errors.New("at least one operation is required")
	}
	s := &Server{cfg: cfg, supported: make(map[expr.Op]struct{}, len(cfg.Ops)), ctx: ctx}
	for _, op := range cfg.Ops {
		if !op.Valid() {
			return nil, fmt.Errorf("unknown operation %q", op)
		}
		s.supported[op] = struct{}{}
	}
	s.sio = socket.NewServer(nil, nil)
	if err := s.sio.On("connection", s.onConnection); err != nil {
		return nil, fmt.Errorf("registering socket.io handler: %w", err)
	}
	return s, nil
}

// ParseOps turns a comma separated list such as "add,mul" into operations.
// "all" selects every operation.
func ParseOps(list string) ([]expr.Op, error) {
	if strings.TrimSpace(list) == "all" {
		return expr.Ops(), nil
	}
	var ops []expr.Op
	seen := make(map[expr.Op]bool)
	for _, name := range strings.Split(list, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		op, ok := expr.ParseOp(name)
		if !ok {
			return nil, fmt.Errorf("unknown operation %q", strings.TrimSpace(name))
		}
		if !seen[op] {
			seen[op] = true
			ops = append(ops, op)
		}
	}
	if len(ops) == 0 {
		return nil, errors.New("no operations given")
	}
	return ops, nil
}

// Document returns the capability document this worker serves.
func (s *Server) Document() capability.Document {
	doc := capability.Document{
		AgentID:          s.cfg.AgentID,
		Version:          s.cfg.Version,
		Endpoint:         s.cfg.PublicURL,
		InputModalities:  []string{"application/json"},
		OutputModalities: []string{"application/json"},
	}
	for _, op := range s.cfg.Ops {
		doc.SupportedOperations = append(doc.SupportedOperations, string(op))
	}
	return doc
}

// Handler returns the HTTP routes of the worker.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+capability.WellKnownPath, s.handleDocument)
	mux.HandleFunc("POST "+transport.ActPath, s.handleAct)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle(SocketIOPath, s.sio.ServeHandler(nil))
	return mux
}

// Close disconnects every socket.io client.
func (s *Server) Close() {
	s.sio.Close(nil)
}

func (s *Server) onConnection(clients ...any) {
	logger := ctxlog.FromContext(s.ctx)
	if len(clients) == 0 {
		return
	}
	client, ok := clients[0].(*socket.Socket)
	if !ok {
		logger.Warn("Unexpected socket.io connection argument.", "type", fmt.Sprintf("%T", clients[0]))
		return
	}
	logger.Debug("Socket.io client connected.", "sid", client.Id())
	_ = client.On(transport.EventToolCall, func(args ...any) {
		if len(args) == 0 {
			logger.Warn("Empty tool_call event dropped.", "sid", client.Id())
			return
		}
		req, err := transport.DecodePayload(args[0])
		if err != nil {
			logger.Warn("Undecodable tool_call event dropped.", "sid", client.Id(), "error", err)
			return
		}
		resp := s.Act(req)
		payload, err := transport.EncodePayload(resp)
		if err != nil {
			logger.Error("Encoding tool_result failed.", "step", req.Step, "error", err)
			return
		}
		if err := client.Emit(transport.EventToolResult, payload); err != nil {
			logger.Warn("Emitting tool_result failed.", "sid", client.Id(), "step", req.Step, "error", err)
			return
		}
		logger.Debug("Tool call answered.",
			"trace_id", req.TraceID,
			"step", req.Step,
			"op", req.Content.Operation,
			"status", resp.Content.Status,
			"code", resp.Content.Code,
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctxlog.FromContext(s.ctx).Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	ctxlog.FromContext(s.ctx).Debug("Capability document requested.", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.Document())
}

func (s *Server) handleAct(w http.ResponseWriter, r *http.Request) {
	logger := ctxlog.FromContext(s.ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}
	var req protocol.Envelope
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Warn("Undecodable tool call rejected.", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "malformed envelope: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := s.Act(req)
	logger.Debug("Tool call answered.",
		"trace_id", req.TraceID,
		"step", req.Step,
		"op", req.Content.Operation,
		"status", resp.Content.Status,
		"code", resp.Content.Code,
	)
	writeJSON(w, http.StatusOK, resp)
}

// Act answers a single tool call. Computation failures and malformed
// requests are reported in the envelope, never as transport errors.
func (s *Server) Act(req protocol.Envelope) protocol.Envelope {
	if req.Intent != protocol.IntentToolCall {
		return protocol.ReplyError(req, s.cfg.AgentID, protocol.CodeBadRequest, fmt.Sprintf("unsupported intent %q", req.Intent))
	}
	if req.Receiver != s.cfg.AgentID {
		return protocol.ReplyError(req, s.cfg.AgentID, protocol.CodeBadRequest, fmt.Sprintf("addressed to %q, this is %q", req.Receiver, s.cfg.AgentID))
	}
	if err := protocol.ValidateOutbound(req); err != nil {
		if errors.Is(err, fault.ErrUnknownOperation) {
			return protocol.ReplyError(req, s.cfg.AgentID, protocol.CodeUnknownOperation, err.Error())
		}
		return protocol.ReplyError(req, s.cfg.AgentID, protocol.CodeBadRequest, err.Error())
	}

	op := expr.Op(req.Content.Operation)
	if _, ok := s.supported[op]; !ok {
		return protocol.ReplyError(req, s.cfg.AgentID, protocol.CodeUnknownOperation, fmt.Sprintf("%s is not supported by %s", op, s.cfg.AgentID))
	}
	v, err := expr.Apply(op, req.Content.Operands[0], req.Content.Operands[1])
	if errors.Is(err, rational.ErrDivisionByZero) {
		return protocol.ReplyError(req, s.cfg.AgentID, protocol.CodeDivisionByZero, "division by zero")
	}
	if err != nil {
		return protocol.ReplyError(req, s.cfg.AgentID, protocol.CodeBadRequest, err.Error())
	}
	return protocol.Reply(req, s.cfg.AgentID, v)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	logger := ctxlog.FromContext(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🚀 Worker listening.", "address", addr, "agent", s.cfg.AgentID, "ops", s.cfg.Ops)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("worker server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	logger.Info("🏁 Shutting down worker...")
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("worker shutdown failed: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
