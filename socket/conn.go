// Package socket maintains the panel's persistent event connection to the controller.
//
// A Conn is one WebSocket and moves through Connecting → Open → Closed exactly
// once. All notifications for a Conn (OnOpen, each OnFrame, OnClose) are
// delivered from its single reader goroutine, so subscribers see
//
//	OnOpen, frame 1, frame 2, ..., frame n, OnClose
//
// in that order and never concurrently. The Client owns a sequence of Conns and
// applies the configured ReconnectPolicy between them.
package socket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"homepanel/message"
	"homepanel/metrics"
	"homepanel/protocol"
	"homepanel/rpcerr"
	"homepanel/transport"
)

// DefaultHeartbeat is the ping interval used when Options.Heartbeat is zero.
const DefaultHeartbeat = 30 * time.Second

// Options configures Dial and New.
type Options struct {
	URL          string                                    // e.g. ws://controller:9000
	EndpointFunc func(ctx context.Context) (string, error) // Client only; resolved before every dial
	HTTPClient   *http.Client
	Header       http.Header
	ReadLimit    int64
	Heartbeat    time.Duration   // zero selects DefaultHeartbeat, negative disables pings
	Reconnect    ReconnectPolicy // Client only; nil means NoReconnect

	OnOpen  func(conn *Conn)
	OnFrame func(ctx context.Context, ev message.Event)
	OnClose func(conn *Conn, err error)

	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

type Conn struct {
	url    string
	opts   Options
	logger *slog.Logger

	state atomic.Int32
	tr    *transport.SocketTransport

	ctx    context.Context // lives as long as the connection
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error // why the connection closed; nil when closed by the owner
	done chan struct{}
}

// Dial opens a connection to url. On failure the Conn passes straight to Closed,
// OnClose fires, and a *rpcerr.TransportError is returned.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:    url,
		opts:   opts,
		logger: opts.logger().With(slog.String("url", url)),
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.setState(Connecting)

	tr, err := transport.DialSocket(ctx, url, transport.SocketOptions{
		HTTPClient: opts.HTTPClient,
		Header:     opts.Header,
		ReadLimit:  opts.ReadLimit,
	})
	if err != nil {
		c.markClosed(err)
		c.finish()
		return nil, err
	}
	c.tr = tr
	c.setState(Open)

	go c.readLoop()

	heartbeat := opts.Heartbeat
	if heartbeat == 0 {
		heartbeat = DefaultHeartbeat
	}
	if heartbeat > 0 {
		go tr.Heartbeat(connCtx, heartbeat, func(err error) {
			c.logger.Warn("socket heartbeat failed", slog.String("error", err.Error()))
			c.abort(err)
		})
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// URL returns the address this connection was dialed with.
func (c *Conn) URL() string { return c.url }

// Done is closed after OnClose has returned.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed: nil if Close was called by the owner,
// the network error otherwise. It is only meaningful after Done is closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes {"event": event, "payload": payload}. It fails with
// *rpcerr.NotConnectedError unless the connection is Open; nothing is buffered.
func (c *Conn) Send(ctx context.Context, event string, payload any) error {
	if st := c.State(); st != Open {
		return &rpcerr.NotConnectedError{Event: event, State: st.String()}
	}

	data, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	return c.tr.Write(ctx, data)
}

// Close performs the closing handshake. It is idempotent and does not wait for
// OnClose (use Done for that), so it may be called from inside a frame handler.
func (c *Conn) Close() error {
	if !c.markClosed(nil) {
		return nil
	}
	defer c.cancel()
	return c.tr.Close("panel closing")
}

// abort closes the connection because of err.
func (c *Conn) abort(err error) {
	if c.markClosed(err) {
		c.cancel()
		_ = c.tr.Close("heartbeat failed")
	}
}

// markClosed moves to Closed and records the cause. It reports whether this
// call performed the transition.
func (c *Conn) markClosed(err error) bool {
	for {
		st := c.State()
		if st == Closed {
			return false
		}
		if c.state.CompareAndSwap(int32(st), int32(Closed)) {
			metrics.SetSocketState(int(Closed))
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return true
		}
	}
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
	metrics.SetSocketState(int(s))
}

// readLoop is the only reader of the connection and the only goroutine that
// runs user callbacks for it.
func (c *Conn) readLoop() {
	defer c.finish()

	c.logger.Info("socket opened")
	if c.opts.OnOpen != nil {
		c.opts.OnOpen(c)
	}

	for {
		data, err := c.tr.Read(c.ctx)
		if rpcerr.IsProtocol(err) && c.State() == Open {
			metrics.ObserveMalformedFrame()
			c.logger.Warn("dropping oversized socket frame", slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			if c.markClosed(err) {
				c.cancel()
			}
			return
		}
		if c.State() != Open {
			return
		}

		ev, err := protocol.DecodeFrame(data)
		if err != nil {
			metrics.ObserveMalformedFrame()
			c.logger.Warn("dropping malformed socket frame",
				slog.String("error", err.Error()),
				slog.Int("bytes", len(data)))
			continue
		}

		if !c.deliver(ev) {
			return
		}
	}
}

// deliver hands ev to OnFrame unless the connection has left Open. It reports
// whether the connection is still Open.
func (c *Conn) deliver(ev message.Event) bool {
	if c.State() != Open {
		return false
	}
	if c.opts.OnFrame != nil {
		c.opts.OnFrame(c.ctx, ev)
	}
	return true
}

// finish delivers OnClose exactly once and releases Done.
func (c *Conn) finish() {
	err := c.Err()
	attrs := []any{}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if c.tr != nil || err != nil {
		c.logger.Info("socket closed", attrs...)
	}

	if c.opts.OnClose != nil {
		c.opts.OnClose(c, err)
	}
	close(c.done)
}
