package middleware

import (
	"context"
	"homepanel/message"
	"homepanel/rpcerr"
	"time"
)

// Timeout bounds a call. The deadline is propagated through ctx, and the call is
// abandoned with a TransportError if next does not return in time.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp *message.Response
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, &rpcerr.TransportError{Op: "call " + req.Method, Err: ctx.Err()}
			}
		}
	}
}
