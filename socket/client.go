package socket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"homepanel/metrics"
	"homepanel/rpcerr"
)

// Client owns the event connection for the lifetime of the panel. Run dials,
// waits for the connection to drop, and consults the ReconnectPolicy before
// dialing again.
type Client struct {
	opts   Options
	policy ReconnectPolicy
	logger *slog.Logger

	mu     sync.Mutex
	conn   *Conn
	closed bool
	stop   chan struct{}
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" && opts.EndpointFunc == nil {
		return nil, errors.New("socket: URL or EndpointFunc is required")
	}
	policy := opts.Reconnect
	if policy == nil {
		policy = NoReconnect{}
	}
	return &Client{
		opts:   opts,
		policy: policy,
		logger: opts.logger(),
		stop:   make(chan struct{}),
	}, nil
}

// Run keeps the socket connected until ctx is done, Close is called, or the
// policy gives up. It returns nil in the first two cases and the last
// connection error otherwise.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if c.stopped(ctx) {
			return nil
		}

		conn, err := c.connect(ctx)
		if err == nil {
			attempt = 0
			select {
			case <-conn.Done():
				err = conn.Err()
			case <-ctx.Done():
				_ = conn.Close()
				<-conn.Done()
				return nil
			case <-c.stop:
				_ = conn.Close()
				<-conn.Done()
				return nil
			}
			if err == nil {
				// closed by the owner
				return nil
			}
		}
		if c.stopped(ctx) {
			return nil
		}

		delay, ok := c.policy.Next(attempt)
		if !ok {
			c.logger.Warn("socket reconnect abandoned",
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()))
			return err
		}
		attempt++
		metrics.ObserveReconnect()
		c.logger.Info("socket reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.stop:
			timer.Stop()
			return nil
		}
	}
}

func (c *Client) connect(ctx context.Context) (*Conn, error) {
	url := c.opts.URL
	if c.opts.EndpointFunc != nil {
		resolved, err := c.opts.EndpointFunc(ctx)
		if err != nil {
			return nil, &rpcerr.TransportError{Op: "resolve", Err: err}
		}
		url = resolved
	}

	opts := c.opts
	opts.OnOpen = func(conn *Conn) {
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		if c.opts.OnOpen != nil {
			c.opts.OnOpen(conn)
		}
	}
	opts.OnClose = func(conn *Conn, err error) {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		if c.opts.OnClose != nil {
			c.opts.OnClose(conn, err)
		}
	}
	return Dial(ctx, url, opts)
}

func (c *Client) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// State reports the state of the current connection, or Closed between connections.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return Closed
	}
	return c.conn.State()
}

// Send forwards to the current connection. With no Open connection it fails
// with *rpcerr.NotConnectedError.
func (c *Client) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &rpcerr.NotConnectedError{Event: event, State: Closed.String()}
	}
	return conn.Send(ctx, event, payload)
}

// Close stops Run and closes the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
