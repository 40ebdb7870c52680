// Package server is an in-process home controller endpoint. It speaks the same
// two channels the panel does and is used for local development and as the
// peer in end-to-end tests.
//
// Request processing pipeline:
//
//	POST /rpc → decode Request → Middleware Chain → businessHandler (registered method) → encode Response
//	GET  /ws  → accept WebSocket → read loop per peer → event handler → optional reply frame
//
// Broadcast pushes a frame to every connected panel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"homepanel/message"
	"homepanel/middleware"
	"homepanel/protocol"
	"homepanel/registry"
	"homepanel/rpcerr"
	"homepanel/transport"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MaxRequestSize bounds an RPC request body.
const MaxRequestSize = 1 << 20

// MethodFunc handles one RPC method. params is the raw "params" object.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// EventFunc handles one inbound socket event. A non-nil result is sent back
// to the sending panel as {"event": name, "result": result}.
type EventFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Registration describes how the server announces itself to a registry.
type Registration struct {
	Registry registry.Registry
	Service  string
	Instance registry.ServiceInstance // Addr and URLs default to the listener address
	TTL      int64                    // seconds; 10 when zero
}

// Server is the controller endpoint.
type Server struct {
	mu          sync.RWMutex
	methods     map[string]MethodFunc
	events      map[string]EventFunc
	middlewares []middleware.Middleware // applied in the order added
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))
	chainOnce   sync.Once

	router *gin.Engine
	logger *slog.Logger

	peersMu sync.Mutex
	peers   map[*transport.SocketTransport]struct{}
	wg      sync.WaitGroup // socket read loops

	baseCtx  context.Context
	cancel   context.CancelFunc
	http     *http.Server
	shutdown atomic.Bool
	reg      *Registration
}

func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		methods: make(map[string]MethodFunc),
		events:  make(map[string]EventFunc),
		logger:  logger,
		peers:   make(map[*transport.SocketTransport]struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/rpc", s.handleRPC)
	router.GET("/ws", s.handleSocket)
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}

// Register exposes every method of rcvr with the signature
// func(context.Context, *Args, *Reply) error under its snake_case name.
func (s *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	for name, mt := range svc.method {
		s.Handle(name, svc.methodFunc(mt))
	}
	return nil
}

func (svc *service) methodFunc(mt *methodType) MethodFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		argv := reflect.New(mt.ArgType)
		if err := json.Unmarshal(params, argv.Interface()); err != nil {
			return nil, Errorf(CodeInvalidParams, "invalid params: %v", err)
		}
		replyv := reflect.New(mt.ReplyType)
		if err := svc.Call(ctx, mt, argv, replyv); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	}
}

// Handle registers fn for method, replacing any previous handler.
func (s *Server) Handle(method string, fn MethodFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = fn
}

// OnEvent registers fn for an inbound socket event.
func (s *Server) OnEvent(event string, fn EventFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event] = fn
}

// Use registers a middleware. Middlewares are applied in the order they are
// added; the chain is built on the first request.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Handler returns the HTTP handler, for mounting in httptest or another server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) chain() middleware.HandlerFunc {
	s.chainOnce.Do(func() {
		// Chain wraps middlewares in reverse order to create the onion model:
		//   Chain(A, B, C)(handler) → A(B(C(handler)))
		s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	})
	return s.handler
}

// ListenAndServe listens on address and serves until Shutdown.
func (s *Server) ListenAndServe(address string, reg *Registration) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(l, reg)
}

// Serve accepts connections on l, optionally registering with a registry
// first. It returns nil after Shutdown.
func (s *Server) Serve(l net.Listener, reg *Registration) error {
	if reg != nil && reg.Registry != nil {
		inst := reg.Instance
		if inst.Addr == "" {
			inst.Addr = l.Addr().String()
		}
		if inst.RPCURL == "" {
			inst.RPCURL = "http://" + inst.Addr + "/rpc"
		}
		if inst.SocketURL == "" {
			inst.SocketURL = "ws://" + inst.Addr + "/ws"
		}
		ttl := reg.TTL
		if ttl <= 0 {
			ttl = 10 // KeepAlive renews automatically
		}
		if err := reg.Registry.Register(s.baseCtx, reg.Service, inst, ttl); err != nil {
			_ = l.Close()
			return fmt.Errorf("server: register %s: %w", reg.Service, err)
		}
		r := *reg
		r.Instance = inst
		s.mu.Lock()
		s.reg = &r
		s.mu.Unlock()
	}

	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("controller endpoint listening", slog.String("addr", l.Addr().String()))
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) && s.shutdown.Load() {
		return nil
	}
	return err
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (panels stop picking this instance)
//  2. Stop accepting requests and wait for in-flight RPCs
//  3. Close every panel socket with StatusGoingAway
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.RLock()
	reg, srv := s.reg, s.http
	s.mu.RUnlock()

	var errs []error
	if reg != nil {
		if err := reg.Registry.Deregister(ctx, reg.Service, reg.Instance.Addr); err != nil {
			errs = append(errs, err)
		}
	}

	s.shutdown.Store(true)
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.peersMu.Lock()
	peers := make([]*transport.SocketTransport, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.Unlock()
	for _, p := range peers {
		go p.Close("controller shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timeout waiting for sockets to close"))
	}
	s.cancel()
	return errors.Join(errs...)
}

// wireRequest is the inbound request with a raw id, so numeric and string
// ids are echoed back unchanged.
type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

func (s *Server) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestSize))
	if err != nil {
		writeError(c, http.StatusRequestEntityTooLarge, nil, Errorf(CodeInvalidRequest, "request too large"))
		return
	}

	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		writeError(c, http.StatusOK, nil, Errorf(CodeParseError, "parse error: %v", err))
		return
	}
	if wr.Method == "" {
		writeError(c, http.StatusOK, wr.ID, Errorf(CodeInvalidRequest, "missing method"))
		return
	}

	req := &message.Request{JSONRPC: wr.JSONRPC, Method: wr.Method, ID: rawID(wr.ID)}
	if len(wr.Params) > 0 && string(wr.Params) != "null" {
		if err := json.Unmarshal(wr.Params, &req.Params); err != nil {
			writeError(c, http.StatusOK, wr.ID, Errorf(CodeInvalidParams, "params must be an object"))
			return
		}
	}

	resp, err := s.chain()(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, middleware.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		writeError(c, status, wr.ID, Errorf(CodeServerError, "%v", err))
		return
	}
	resp.ID = wr.ID
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, resp)
}

func writeError(c *gin.Context, status int, id json.RawMessage, e *Error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	c.JSON(status, &message.Response{ID: id, Error: toErrorObject(e)})
}

func toErrorObject(e *Error) *message.ErrorObject {
	obj := &message.ErrorObject{Code: e.Code, Message: e.Message}
	if e.Data != nil {
		if data, err := json.Marshal(e.Data); err == nil {
			obj.Data = data
		}
	}
	return obj
}

func rawID(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// businessHandler dispatches to the registered method. It is wrapped by the
// middleware chain and has the HandlerFunc signature.
func (s *Server) businessHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	s.mu.RLock()
	fn, ok := s.methods[req.Method]
	s.mu.RUnlock()
	if !ok {
		return &message.Response{Error: toErrorObject(Errorf(CodeMethodNotFound, "method not found: %s", req.Method))}, nil
	}

	params := []byte("{}")
	if req.Params != nil {
		var err error
		if params, err = json.Marshal(req.Params); err != nil {
			return &message.Response{Error: toErrorObject(Errorf(CodeInvalidParams, "%v", err))}, nil
		}
	}

	result, err := fn(ctx, params)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeServerError, Message: err.Error()}
		}
		return &message.Response{Error: toErrorObject(rpcErr)}, nil
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("server: encode %s result: %w", req.Method, err)
	}
	return &message.Response{Result: raw}, nil
}

func (s *Server) handleSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	peer := transport.NewSocketTransport(conn, c.Request.RemoteAddr)
	s.peersMu.Lock()
	if s.shutdown.Load() {
		s.peersMu.Unlock()
		_ = peer.Close("controller shutting down")
		return
	}
	s.peers[peer] = struct{}{}
	s.wg.Add(1)
	s.peersMu.Unlock()

	s.logger.Info("panel connected", slog.String("remote", peer.URL()))
	s.readLoop(peer)
}

// readLoop runs on the handler goroutine; inbound events from one panel are
// handled in order.
func (s *Server) readLoop(peer *transport.SocketTransport) {
	defer s.wg.Done()
	defer func() {
		s.peersMu.Lock()
		delete(s.peers, peer)
		s.peersMu.Unlock()
		_ = peer.Close("")
		s.logger.Info("panel disconnected", slog.String("remote", peer.URL()))
	}()

	for {
		data, err := peer.Read(s.baseCtx)
		if rpcerr.IsProtocol(err) {
			s.logger.Warn("dropping oversized panel frame", slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			return
		}

		name, payload, err := protocol.DecodeOutbound(data)
		if err != nil {
			s.logger.Warn("dropping malformed panel frame", slog.String("error", err.Error()))
			continue
		}

		s.mu.RLock()
		fn, ok := s.events[name]
		s.mu.RUnlock()
		if !ok {
			s.logger.Debug("no handler for panel event", slog.String("event", name))
			continue
		}

		result, err := fn(s.baseCtx, payload)
		if err != nil {
			s.logger.Warn("panel event handler failed", slog.String("event", name), slog.String("error", err.Error()))
			continue
		}
		if result == nil {
			continue
		}
		frame, err := protocol.EncodeResult(name, result)
		if err != nil {
			s.logger.Warn("encode event reply", slog.String("event", name), slog.String("error", err.Error()))
			continue
		}
		if err := peer.Write(s.baseCtx, frame); err != nil {
			return
		}
	}
}

// Broadcast sends {"event": event, "result": result} to every connected panel
// and returns how many received it.
func (s *Server) Broadcast(ctx context.Context, event string, result any) (int, error) {
	frame, err := protocol.EncodeResult(event, result)
	if err != nil {
		return 0, err
	}

	s.peersMu.Lock()
	peers := make([]*transport.SocketTransport, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.Unlock()

	sent := 0
	for _, p := range peers {
		if err := p.Write(ctx, frame); err != nil {
			s.logger.Debug("broadcast write failed", slog.String("remote", p.URL()), slog.String("error", err.Error()))
			continue
		}
		sent++
	}
	return sent, nil
}

// Peers returns the number of connected panels.
func (s *Server) Peers() int {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	return len(s.peers)
}
