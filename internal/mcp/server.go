package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archhq/arch/internal/github"
	"github.com/archhq/arch/internal/log"
	"github.com/archhq/arch/internal/pubsub"
	"github.com/archhq/arch/internal/state"
	"github.com/archhq/arch/internal/usage"
	"github.com/archhq/arch/internal/worktree"
)

const serverVersion = "0.1.0"

// keepaliveInterval is how often the SSE stream emits a comment to hold
// idle connections open through proxies.
const keepaliveInterval = 15 * time.Second

// ToolEvent is published on the broker for every tool invocation.
type ToolEvent struct {
	AgentID  string
	Tool     string
	Duration time.Duration
	IsError  bool
}

// sseStream is one live SSE connection's outgoing queue.
type sseStream struct {
	out chan []byte
}

// Server is the ARCH tool server: one HTTP listener serving per-agent
// SSE channels and their paired message endpoints.
type Server struct {
	port      int
	store     *state.Store
	tracker   *usage.Tracker
	worktrees *worktree.Manager
	gh        *github.Client
	callbacks Callbacks

	tracer trace.Tracer
	broker *pubsub.Broker[ToolEvent]

	httpSrv *http.Server
	ctx     context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	sessions    map[string]*agentSession
	streams     map[string]*sseStream
	escalations map[string]chan string
}

// Option configures a Server.
type Option func(*Server)

// WithWorktrees wires the workspace provider for brief and repo tools.
func WithWorktrees(m *worktree.Manager) Option {
	return func(s *Server) { s.worktrees = m }
}

// WithGitHub enables the tracker tool set.
func WithGitHub(c *github.Client) Option {
	return func(s *Server) { s.gh = c }
}

// WithCallbacks wires the orchestrator delegation callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(s *Server) { s.callbacks = cb }
}

// NewServer creates an unstarted tool server on the given port.
func NewServer(port int, store *state.Store, tracker *usage.Tracker, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		port:        port,
		store:       store,
		tracker:     tracker,
		tracer:      otel.Tracer("github.com/archhq/arch/internal/mcp"),
		broker:      pubsub.NewBrokerWithBuffer[ToolEvent](128),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*agentSession),
		streams:     make(map[string]*sseStream),
		escalations: make(map[string]chan string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Broker returns the tool-call event broker.
func (s *Server) Broker() *pubsub.Broker[ToolEvent] {
	return s.broker
}

// BaseURL returns the server's loopback base URL.
func (s *Server) BaseURL() string {
	return fmt.Sprintf("http://localhost:%d", s.port)
}

// Handler returns the HTTP routing handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse/{agent_id}", s.handleSSE)
	mux.HandleFunc("POST /messages/{agent_id}", s.handleMessage)
	return mux
}

// Start binds the loopback listener and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding tool server to %s: %w", addr, err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.ErrorErr(log.CatMCP, "Tool server failed", err)
		}
	}()

	log.Info(log.CatMCP, "Tool server started", "addr", addr)
	return nil
}

// Stop cancels all in-flight tool calls (blocked escalations return a
// cancelled result) and shuts the listener down.
func (s *Server) Stop() {
	s.cancel()
	s.broker.Close()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			log.Warn(log.CatMCP, "Tool server shutdown timed out", "error", err)
		}
		s.httpSrv = nil
	}

	log.Info(log.CatMCP, "Tool server stopped")
}

// session returns the cached per-agent tool session, creating it on first
// use. Sessions survive SSE reconnects so pending state is not lost.
func (s *Server) session(agentID string) *agentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[agentID]
	if !ok {
		sess = &agentSession{agentID: agentID, srv: s}
		s.sessions[agentID] = sess
	}
	return sess
}

// handleSSE runs one agent's SSE loop until the client disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	log.Info(log.CatMCP, "SSE connection opened", "agentID", agentID)
	s.session(agentID)

	stream := &sseStream{out: make(chan []byte, 32)}
	s.mu.Lock()
	s.streams[agentID] = stream
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.streams[agentID] == stream {
			delete(s.streams, agentID)
		}
		s.mu.Unlock()
		log.Info(log.CatMCP, "SSE connection closed", "agentID", agentID)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The endpoint event tells the client where to POST its half of the
	// conversation.
	fmt.Fprintf(w, "event: endpoint\ndata: /messages/%s\n\n", agentID)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case msg := <-stream.out:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// handleMessage accepts one JSON-RPC message and dispatches it
// asynchronously; the response travels back over the agent's SSE channel.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	s.mu.Lock()
	stream := s.streams[agentID]
	s.mu.Unlock()

	if stream == nil {
		log.Warn(log.CatMCP, "Message for disconnected agent", "agentID", agentID)
		http.Error(w, "Agent not connected", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4*1024*1024))
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.push(stream, NewErrorResponse(nil, NewParseError(err.Error())))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sess := s.session(agentID)

	// Dispatch off the HTTP handler so blocking tools (escalations) do not
	// hold the connection.
	go func() {
		if resp := sess.handle(s.ctx, &req); resp != nil {
			s.push(stream, resp)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// push queues a response on an SSE stream, dropping it if the server is
// shutting down.
func (s *Server) push(stream *sseStream, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.ErrorErr(log.CatMCP, "Failed to marshal response", err)
		return
	}
	select {
	case stream.out <- data:
	case <-s.ctx.Done():
	}
}

// agentSession is one agent's tool session. One instance exists per
// agent_id for the server's lifetime.
type agentSession struct {
	agentID string
	srv     *Server

	mu          sync.Mutex
	initialized bool
}

// handle processes one JSON-RPC message. Notifications return nil.
func (a *agentSession) handle(ctx context.Context, req *Request) *Response {
	if req.IsNotification() {
		a.handleNotification(req)
		return nil
	}

	log.Debug(log.CatMCP, "Handling request", "agentID", a.agentID, "method", req.Method)

	var result any
	var rpcErr *RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = a.handleInitialize(req.Params)
	case "tools/list":
		result = ToolsListResult{Tools: toolsFor(a.agentID, a.srv.gh != nil)}
	case "tools/call":
		result, rpcErr = a.handleToolsCall(ctx, req.Params)
	case "ping":
		result = struct{}{}
	default:
		rpcErr = NewMethodNotFound(req.Method)
	}

	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	return NewResponse(req.ID, result)
}

func (a *agentSession) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		a.mu.Lock()
		a.initialized = true
		a.mu.Unlock()
		log.Debug(log.CatMCP, "Client initialized", "agentID", a.agentID)
	case "notifications/cancelled":
		log.Debug(log.CatMCP, "Request cancelled", "agentID", a.agentID)
	default:
		// Unknown notifications are ignored per spec.
	}
}

func (a *agentSession) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}

	log.Debug(log.CatMCP, "Initialize request",
		"agentID", a.agentID,
		"clientVersion", p.ProtocolVersion,
		"clientName", p.ClientInfo.Name)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{ListChanged: false},
		},
		ServerInfo: ImplementationInfo{
			Name:    "arch-" + a.agentID,
			Version: serverVersion,
		},
	}, nil
}

func (a *agentSession) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	ctx, span := a.srv.tracer.Start(ctx, "tools/call",
		trace.WithAttributes(
			attribute.String("mcp.tool", p.Name),
			attribute.String("mcp.agent_id", a.agentID),
		))
	defer span.End()

	start := time.Now()
	payload, err := a.srv.callTool(ctx, a.agentID, p.Name, p.Arguments)
	duration := time.Since(start)

	a.srv.broker.Publish(pubsub.CreatedEvent, ToolEvent{
		AgentID:  a.agentID,
		Tool:     p.Name,
		Duration: duration,
		IsError:  err != nil,
	})

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Debug(log.CatMCP, "Tool execution failed", "agentID", a.agentID, "tool", p.Name, "error", err)
		// Tool failures surface as error results, not RPC errors.
		return ErrorResult(err.Error()), nil
	}

	return JSONResult(payload), nil
}

// Connected reports whether an agent currently holds an open SSE channel.
func (s *Server) Connected(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[agentID] != nil
}

// PendingEscalations returns the unanswered decisions currently blocking
// tool calls.
func (s *Server) PendingEscalations() []state.Decision {
	return s.store.PendingDecisions()
}
