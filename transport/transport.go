// Package transport moves calls between a caller and a server.
//
// A RoundTripper takes a fully encoded request and returns the response head
// plus its payload, strict or streamed. Loopback dispatches in-process; the
// TCP ClientTransport multiplexes calls and their streams over a single
// connection using the frame protocol.
package transport

import (
	"context"

	"github.com/jon-ruckwood/lagom/message"
)

// RoundTripper executes one call. An error means the call could not be
// carried; failures of the call itself come back in Response.Error.
type RoundTripper interface {
	RoundTrip(ctx context.Context, req *message.Request) (*message.Response, error)
}

// RoundTripFunc adapts a function to RoundTripper.
type RoundTripFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

func (f RoundTripFunc) RoundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	return f(ctx, req)
}

// Loopback hands requests straight to a server-side handler in the same
// process. Streams are shared rather than copied, so cancellation and
// backpressure act end to end exactly as over the wire.
func Loopback(serve func(ctx context.Context, req *message.Request) *message.Response) RoundTripper {
	return RoundTripFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return serve(ctx, req), nil
	})
}
