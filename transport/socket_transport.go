package transport

import (
	"context"
	"errors"
	"fmt"
	"homepanel/rpcerr"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// DefaultReadLimit is the largest inbound socket frame accepted.
const DefaultReadLimit = 1 << 20

// ErrFrameTooLarge is wrapped by the ProtocolError Read returns for a frame
// over the read limit. The frame is discarded and the connection stays up.
var ErrFrameTooLarge = errors.New("frame exceeds read limit")

// SocketOptions configures DialSocket.
type SocketOptions struct {
	HTTPClient *http.Client // must not set Timeout; the dial context bounds the handshake
	Header     http.Header
	ReadLimit  int64 // defaults to DefaultReadLimit
}

// SocketTransport is a single WebSocket connection to the controller.
//
// Read must only be called from one goroutine; Write, Ping and Close are safe
// for concurrent use.
type SocketTransport struct {
	conn  *websocket.Conn
	url   string
	limit int64
}

// DialSocket opens the WebSocket. http and https URLs are converted to ws and wss.
func DialSocket(ctx context.Context, url string, opts SocketOptions) (*SocketTransport, error) {
	url = WebSocketURL(url)

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: opts.Header,
	})
	if err != nil {
		te := &rpcerr.TransportError{Op: "dial", URL: url, Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
		}
		return nil, te
	}

	return newSocketTransport(conn, url, opts.ReadLimit), nil
}

// NewSocketTransport wraps an already established connection (server side)
// with DefaultReadLimit.
func NewSocketTransport(conn *websocket.Conn, url string) *SocketTransport {
	return newSocketTransport(conn, url, DefaultReadLimit)
}

func newSocketTransport(conn *websocket.Conn, url string, limit int64) *SocketTransport {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	// Enforced in Read; the library limit would close the connection.
	conn.SetReadLimit(-1)
	return &SocketTransport{conn: conn, url: url, limit: limit}
}

// URL returns the dialed address.
func (s *SocketTransport) URL() string { return s.url }

// Read blocks until the next message arrives. A message over the read limit is
// drained and reported as a *rpcerr.ProtocolError wrapping ErrFrameTooLarge;
// the connection remains usable. Any other failure, including a close from the
// peer, is a *rpcerr.TransportError; use IsNormalClosure on it to tell them apart.
func (s *SocketTransport) Read(ctx context.Context) ([]byte, error) {
	_, r, err := s.conn.Reader(ctx)
	if err != nil {
		return nil, &rpcerr.TransportError{Op: "read", URL: s.url, Err: err}
	}

	data, err := io.ReadAll(io.LimitReader(r, s.limit+1))
	if err != nil {
		return nil, &rpcerr.TransportError{Op: "read", URL: s.url, Err: err}
	}
	if int64(len(data)) <= s.limit {
		return data, nil
	}

	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, &rpcerr.TransportError{Op: "read", URL: s.url, Err: err}
	}
	return nil, &rpcerr.ProtocolError{
		Channel: "socket",
		Err:     fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, int64(len(data))+n, s.limit),
	}
}

// Write sends one text message.
func (s *SocketTransport) Write(ctx context.Context, data []byte) error {
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &rpcerr.TransportError{Op: "write", URL: s.url, Err: err}
	}
	return nil
}

// Ping sends a ping and waits for the pong. It requires a concurrent Read.
func (s *SocketTransport) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return &rpcerr.TransportError{Op: "ping", URL: s.url, Err: err}
	}
	return nil
}

// Heartbeat pings every interval until ctx is done. The first failed ping is passed
// to onFail and the loop exits.
func (s *SocketTransport) Heartbeat(ctx context.Context, interval time.Duration, onFail func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := s.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					onFail(err)
				}
				return
			}
		}
	}
}

// Close performs the closing handshake with a normal closure status.
func (s *SocketTransport) Close(reason string) error {
	err := s.conn.Close(websocket.StatusNormalClosure, reason)
	if err != nil && !IsNormalClosure(err) {
		return &rpcerr.TransportError{Op: "close", URL: s.url, Err: err}
	}
	return nil
}

// IsNormalClosure reports whether err is the peer (or us) closing the socket cleanly.
func IsNormalClosure(err error) bool {
	if err == nil {
		return false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}

// WebSocketURL converts http(s) URLs to ws(s). ws and wss URLs are left unchanged.
func WebSocketURL(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + u[len("https://"):]
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + u[len("http://"):]
	}
	return u
}
