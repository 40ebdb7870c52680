// Package transport moves bytes between the panel and the controller.
//
// Two transports exist, one per channel:
//
//	HTTPTransport    one POST per RPC call, reply body returned to the caller
//	SocketTransport  one persistent WebSocket; frames read by a single reader
//
// Neither transport knows about correlation or event names; that lives in
// the client and socket packages.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"homepanel/rpcerr"
	"io"
	"net/http"
	"time"
)

// DefaultMaxBodySize caps how much of an RPC reply is read.
const DefaultMaxBodySize = 8 << 20

var errBodyTooLarge = errors.New("response body exceeds limit")

// Reply is the raw HTTP answer to one POST.
type Reply struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// OK reports whether the status code is 2xx.
func (r *Reply) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HTTPTransport posts RPC bodies to the controller.
type HTTPTransport struct {
	client      *http.Client
	header      http.Header
	maxBodySize int64
}

// NewHTTPTransport creates a transport. A nil client falls back to one with the given
// timeout (zero means no timeout beyond the request context).
func NewHTTPTransport(client *http.Client, timeout time.Duration) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPTransport{
		client:      client,
		header:      make(http.Header),
		maxBodySize: DefaultMaxBodySize,
	}
}

// SetHeader adds a header applied to every request.
func (t *HTTPTransport) SetHeader(key, value string) {
	t.header.Set(key, value)
}

// SetMaxBodySize overrides DefaultMaxBodySize. Non-positive values are ignored.
func (t *HTTPTransport) SetMaxBodySize(n int64) {
	if n > 0 {
		t.maxBodySize = n
	}
}

// Post sends body to url. Connection-level failures, cancellation and oversized
// replies are returned as *rpcerr.TransportError. Non-2xx statuses are not errors
// here: the caller decides whether the body still carries a usable reply.
func (t *HTTPTransport) Post(ctx context.Context, url, contentType string, body []byte) (*Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &rpcerr.TransportError{Op: "build request", URL: url, Err: err}
	}

	for k, v := range t.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &rpcerr.TransportError{Op: "post", URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodySize+1))
	if err != nil {
		return nil, &rpcerr.TransportError{Op: "read body", URL: url, StatusCode: statusIfError(resp.StatusCode), Err: err}
	}
	if int64(len(data)) > t.maxBodySize {
		return nil, &rpcerr.TransportError{Op: "read body", URL: url, Err: fmt.Errorf("%w (%d bytes)", errBodyTooLarge, t.maxBodySize)}
	}

	return &Reply{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func statusIfError(code int) int {
	if code >= 200 && code < 300 {
		return 0
	}
	return code
}
