package service

import (
	"context"

	"github.com/jon-ruckwood/lagom/future"
)

// Params are the identity parameters of a call, e.g. path parameters matched
// by the router for a RestIdentity.
type Params map[string]string

// Handler serves one call. A returned error, or a panic, is a synchronous
// failure; a future that fails later is an asynchronous one. Both are
// classified the same way.
//
// Req and Resp are either plain values (strict slots) or *stream.Stream
// values (streamed slots).
type Handler[Req, Resp any] func(ctx context.Context, params Params, req Req) (*future.Future[Resp], error)

// Sync adapts a blocking function. Its error is reported as a synchronous
// failure.
func Sync[Req, Resp any](fn func(ctx context.Context, params Params, req Req) (Resp, error)) Handler[Req, Resp] {
	return func(ctx context.Context, params Params, req Req) (*future.Future[Resp], error) {
		resp, err := fn(ctx, params, req)
		if err != nil {
			return nil, err
		}
		return future.Completed(resp), nil
	}
}

// Async runs fn in its own goroutine. Its error fails the returned future.
func Async[Req, Resp any](fn func(ctx context.Context, params Params, req Req) (Resp, error)) Handler[Req, Resp] {
	return func(ctx context.Context, params Params, req Req) (*future.Future[Resp], error) {
		return future.Go(ctx, func(ctx context.Context) (Resp, error) {
			return fn(ctx, params, req)
		}), nil
	}
}
