// Package client implements the panel's JSON-RPC client.
//
// Every call gets a fresh correlation token and its own HTTP exchange, so any
// number of calls can be outstanding and each resolves as soon as its own reply
// arrives:
//
//	goroutine-1 ──Go(read_sensor, id=a)──→ POST /rpc ──→ reply(id=a) → call a resolves
//	goroutine-2 ──Go(list_rule,  id=b)──→ POST /rpc ──→ reply(id=b) → call b resolves
//
// In-flight calls are kept in a pending map keyed by token. A reply only
// resolves the call whose token it carries; Close rejects whatever is left.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"homepanel/codec"
	"homepanel/message"
	"homepanel/metrics"
	"homepanel/middleware"
	"homepanel/rpcerr"
	"homepanel/transport"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Client. Either Endpoint or EndpointFunc is required.
type Options struct {
	Endpoint     string                                    // fixed RPC URL, e.g. http://controller:8080/rpc
	EndpointFunc func(ctx context.Context) (string, error) // resolved per call; overrides Endpoint
	HTTPClient   *http.Client
	Timeout      time.Duration // per-exchange HTTP timeout when HTTPClient is nil
	OmitVersion  bool          // do not send "jsonrpc": "2.0"
	IDGenerator  IDGenerator   // defaults to UUIDGenerator
	Middlewares  []middleware.Middleware
	Logger       *slog.Logger
}

type Client struct {
	endpoint  func(ctx context.Context) (string, error)
	transport *transport.HTTPTransport
	codec     codec.Codec
	version   string
	newID     IDGenerator
	handler   middleware.HandlerFunc // middleware(...(roundTrip))
	logger    *slog.Logger

	mu      sync.Mutex // guards registration against Close
	pending sync.Map   // map[string]*Call
	count   atomic.Int64
	closed  atomic.Bool
	wg      sync.WaitGroup

	baseCtx context.Context // cancelled by Close to abort in-flight exchanges
	cancel  context.CancelFunc
}

func New(opts Options) (*Client, error) {
	endpoint := opts.EndpointFunc
	if endpoint == nil {
		if opts.Endpoint == "" {
			return nil, errors.New("client: endpoint is required")
		}
		url := opts.Endpoint
		endpoint = func(context.Context) (string, error) { return url, nil }
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	newID := opts.IDGenerator
	if newID == nil {
		newID = UUIDGenerator
	}

	version := message.Version
	if opts.OmitVersion {
		version = ""
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		endpoint:  endpoint,
		transport: transport.NewHTTPTransport(opts.HTTPClient, opts.Timeout),
		codec:     &codec.JSONCodec{},
		version:   version,
		newID:     newID,
		logger:    logger,
		baseCtx:   ctx,
		cancel:    cancel,
	}

	// Build the middleware chain once at construction (not per call)
	c.handler = middleware.Chain(opts.Middlewares...)(c.roundTrip)
	return c, nil
}

// Go sends an RPC and returns its pending handle immediately. The handle resolves
// with the controller's result, or fails with *rpcerr.RPCError,
// *rpcerr.TransportError or *rpcerr.ProtocolError. Cancelling ctx aborts the
// HTTP exchange; nothing is retried.
func (c *Client) Go(ctx context.Context, method string, params map[string]any) *Call {
	call := newCall(c.newID(), method, params)

	if method == "" {
		call.finish(nil, rpcerr.ErrEmptyMethod)
		return call
	}

	// Register BEFORE sending so the reply can never race the bookkeeping.
	// Holding mu keeps registration and Close from interleaving.
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		call.finish(nil, &rpcerr.TransportError{Op: "call " + method, Err: rpcerr.ErrClosed})
		return call
	}
	c.pending.Store(call.ID, call)
	c.count.Add(1)
	metrics.AddPending(1)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.send(ctx, call)
	return call
}

// Call is the synchronous form of Go. When reply is non-nil the result is decoded
// into it; a result that does not fit reply is a *rpcerr.ProtocolError.
func (c *Client) Call(ctx context.Context, method string, params map[string]any, reply any) error {
	result, err := c.Go(ctx, method, params).Wait(ctx)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(result, reply); err != nil {
		return &rpcerr.ProtocolError{Channel: "rpc", Err: fmt.Errorf("decode %s result: %w", method, err)}
	}
	return nil
}

// Pending returns the number of calls sent but not yet resolved.
func (c *Client) Pending() int {
	return int(c.count.Load())
}

// Close aborts in-flight exchanges and rejects every pending call with a
// TransportError wrapping rpcerr.ErrClosed. Later calls fail the same way.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.closeAllPending()
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Client) send(ctx context.Context, call *Call) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.baseCtx, cancel)
	defer stop()

	params := call.Params
	if params == nil {
		params = map[string]any{}
	}
	req := &message.Request{
		JSONRPC: c.version,
		Method:  call.Method,
		Params:  params,
		ID:      call.ID,
	}

	var result json.RawMessage
	resp, err := c.handler(ctx, req)
	if err == nil {
		result, err = c.resolve(req, resp)
	}
	c.complete(call.ID, result, err)
}

// resolve turns a correlated Response into the call outcome.
func (c *Client) resolve(req *message.Request, resp *message.Response) (json.RawMessage, error) {
	if resp == nil {
		return nil, &rpcerr.ProtocolError{Channel: "rpc", Err: errors.New("empty response")}
	}
	if resp.Error != nil {
		return nil, &rpcerr.RPCError{
			Method:  req.Method,
			Code:    resp.Error.Code,
			Message: resp.Error.Message,
			Data:    resp.Error.Data,
		}
	}
	if len(resp.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result, nil
}

// complete routes the outcome to the pending call with this token, if it is
// still pending.
func (c *Client) complete(id string, result json.RawMessage, err error) {
	v, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return
	}
	call := v.(*Call)
	c.count.Add(-1)
	metrics.AddPending(-1)
	call.finish(result, err)
}

// closeAllPending rejects every outstanding call so no caller waits forever.
func (c *Client) closeAllPending() {
	c.pending.Range(func(key, _ any) bool {
		c.complete(key.(string), nil, &rpcerr.TransportError{Op: "call", Err: rpcerr.ErrClosed})
		return true
	})
}

// roundTrip is the innermost handler: encode, POST, decode, correlate.
func (c *Client) roundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	url, err := c.endpoint(ctx)
	if err != nil {
		return nil, &rpcerr.TransportError{Op: "resolve endpoint", Err: err}
	}

	body, err := c.codec.Encode(req)
	if err != nil {
		return nil, &rpcerr.ProtocolError{Channel: "rpc", Err: fmt.Errorf("encode %s: %w", req.Method, err)}
	}

	reply, err := c.transport.Post(ctx, url, c.codec.ContentType(), body)
	if err != nil {
		return nil, err
	}

	var resp message.Response
	if err := c.codec.Decode(reply.Body, &resp); err != nil {
		if !reply.OK() {
			return nil, &rpcerr.TransportError{Op: "post", URL: url, StatusCode: reply.StatusCode, Err: errors.New(snippet(reply.Body))}
		}
		return nil, &rpcerr.ProtocolError{Channel: "rpc", Err: fmt.Errorf("decode %s response: %w", req.Method, err)}
	}
	if !reply.OK() && resp.Error == nil {
		return nil, &rpcerr.TransportError{Op: "post", URL: url, StatusCode: reply.StatusCode, Err: errors.New(snippet(reply.Body))}
	}

	got := resp.IDString()
	if got == "" && resp.Error != nil {
		// The controller could not read our id (e.g. a parse error). The HTTP
		// exchange is one-to-one, so the error still belongs to this call.
		return &resp, nil
	}
	if got != req.ID {
		c.logger.WarnContext(ctx, "discarding rpc response with unknown id",
			slog.String("method", req.Method),
			slog.String("sent", req.ID),
			slog.String("received", got))
		return nil, &rpcerr.ProtocolError{Channel: "rpc", Err: fmt.Errorf("%w: sent %q, received %q", rpcerr.ErrIDMismatch, req.ID, got)}
	}
	return &resp, nil
}

func snippet(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	if len(body) == 0 {
		return "empty body"
	}
	return string(body)
}
