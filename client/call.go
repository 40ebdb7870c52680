package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Call is the pending handle of one RPC. It resolves exactly once, either with
// Result or with Err; Done is closed at that moment.
type Call struct {
	ID     string
	Method string
	Params map[string]any

	result json.RawMessage
	err    error
	done   chan struct{}
	once   sync.Once
	start  time.Time
}

func newCall(id, method string, params map[string]any) *Call {
	return &Call{
		ID:     id,
		Method: method,
		Params: params,
		done:   make(chan struct{}),
		start:  time.Now(),
	}
}

// Done is closed when the call resolves.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call resolves or ctx is done. Giving up on ctx does not
// cancel the call; it only stops waiting for it.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish resolves the call; later calls are ignored.
func (c *Call) finish(result json.RawMessage, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}
