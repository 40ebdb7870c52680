// Package middleware wraps RPC handlers in an onion chain.
//
// The same HandlerFunc shape is used by the panel's RPC client (where the
// innermost handler performs the HTTP exchange) and by the in-process
// controller endpoint (where it dispatches to a registered method).
//
// A handler returns a Response carrying an Error object for application-level
// failures and a Go error for everything else (transport, protocol, limits).
package middleware

import (
	"context"
	"homepanel/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
//
//	Chain(A, B, C)(h) == A(B(C(h)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
