package middleware

import (
	"context"
	"time"

	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/rpcerr"
	"github.com/jon-ruckwood/lagom/stream"
)

// TimeOutMiddleware bounds the time until the response head. A call that
// takes longer is canceled and answered with ServiceUnavailable. A streamed
// response that started in time keeps its context until the stream ends.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithCancel(ctx)
			timer := time.AfterFunc(timeout, cancel)

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				if !timer.Stop() && ctx.Err() != nil {
					resp.Body.Discard()
					return timedOut()
				}
				if resp.Error == nil && resp.Body.Streamed() {
					resp.Body.Frames = stream.Finally(resp.Body.Frames, cancel)
					return resp
				}
				cancel()
				return resp
			case <-ctx.Done():
				cancel()
				go func() {
					(<-done).Body.Discard()
				}()
				return timedOut()
			}
		}
	}
}

func timedOut() *message.Response {
	return &message.Response{Error: rpcerr.ToEnvelope(rpcerr.NewServiceUnavailable("request timed out"))}
}
