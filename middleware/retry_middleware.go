package middleware

import (
	"context"
	"homepanel/message"
	"homepanel/rpcerr"
	"log/slog"
	"time"
)

// Retry re-issues calls that failed at the transport level, with exponential
// backoff starting at baseDelay. RPC errors and protocol errors are returned
// immediately. The client never installs this on its own: retry is a policy
// the caller opts into.
//
// Each attempt reuses the request id, so the controller sees the same token again.
func Retry(maxRetries int, baseDelay time.Duration, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !rpcerr.IsTransport(err) || ctx.Err() != nil {
					return resp, err
				}

				delay := baseDelay * time.Duration(1<<i)
				logger.InfoContext(ctx, "retrying rpc call",
					slog.String("method", req.Method),
					slog.Int("attempt", i+1),
					slog.Duration("delay", delay),
					slog.String("error", err.Error()))

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp, err
				case <-timer.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
