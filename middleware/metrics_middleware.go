package middleware

import (
	"context"
	"homepanel/message"
	"homepanel/metrics"
	"homepanel/rpcerr"
	"time"
)

// Metrics records call counts and latency per method.
func Metrics() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			observed := err
			if observed == nil && resp != nil && resp.Error != nil {
				observed = &rpcerr.RPCError{Method: req.Method, Code: resp.Error.Code, Message: resp.Error.Message}
			}
			metrics.ObserveRPC(req.Method, observed, time.Since(start))
			return resp, err
		}
	}
}
