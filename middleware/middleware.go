// Package middleware wraps the server's call dispatch. A middleware sees
// every request head before dispatch and every response head after it;
// streamed payloads pass through untouched unless a middleware wraps them.
package middleware

import (
	"context"

	"github.com/jon-ruckwood/lagom/message"
)

// HandlerFunc serves one request. It never returns nil: failures are
// reported in Response.Error.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
