package middleware

import (
	"context"
	"errors"
	"homepanel/message"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by RateLimit when no token is available.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit 创建一个基于令牌桶算法的限流中间件
// Calls over the limit fail immediately with ErrRateLimited.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}

// Throttle is the waiting variant of RateLimit: calls over the limit block until a
// token is available or ctx is done.
func Throttle(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}
