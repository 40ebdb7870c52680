package middleware

import (
	"context"
	"homepanel/message"
	"log/slog"
	"time"
)

// Logging logs method, correlation id, duration and outcome of every call.
// Successful calls are logged at debug so polling does not flood the log.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				slog.String("method", req.Method),
				slog.String("id", req.ID),
				slog.Duration("duration", time.Since(start)),
			}

			switch {
			case err != nil:
				logger.WarnContext(ctx, "rpc call failed", append(attrs, slog.String("error", err.Error()))...)
			case resp != nil && resp.Error != nil:
				logger.InfoContext(ctx, "rpc call returned error",
					append(attrs, slog.Int("code", resp.Error.Code), slog.String("message", resp.Error.Message))...)
			default:
				logger.DebugContext(ctx, "rpc call", attrs...)
			}
			return resp, err
		}
	}
}
