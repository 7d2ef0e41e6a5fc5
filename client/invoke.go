package client

import (
	"context"
	"sync"

	"github.com/jon-ruckwood/lagom/future"
	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/rpcerr"
	"github.com/jon-ruckwood/lagom/serializer"
	"github.com/jon-ruckwood/lagom/service"
	"github.com/jon-ruckwood/lagom/stream"
	"github.com/jon-ruckwood/lagom/transport"
)

// Invoke calls serviceName's call with req over rt and returns the eventual
// response.
//
// The request is encoded with the call's request serializer and the response
// decoded with the protocol the server answered in. Failures observed by the
// caller are always *rpcerr.Error values, except failures of rt itself. When
// encoding a streamed request fails locally, that failure is reported rather
// than the server's reaction to the truncated stream.
func Invoke[Req, Resp any](ctx context.Context, rt transport.RoundTripper, serviceName string, call *service.Call[Req, Resp], params service.Params, req Req) *future.Future[Resp] {
	return future.Go(ctx, func(ctx context.Context) (Resp, error) {
		var zero Resp

		enc, err := serializer.RequestEncoder(call.RequestSlot())
		if err != nil {
			return zero, err
		}
		body, err := enc.Encode(ctx, req)
		if err != nil {
			return zero, err
		}

		local := &localFailure{}
		if body.Streamed() {
			body.Frames = stream.MapError(body.Frames, local.record)
		}

		resp, err := rt.RoundTrip(ctx, &message.Request{
			Service:  serviceName,
			Call:     call.Identity().Key(),
			Params:   params,
			Protocol: enc.Protocol(),
			Accept:   call.ResponseSlot().Protocols(),
			Body:     body,
		})
		if err != nil {
			body.Discard()
			return zero, local.or(err)
		}
		if resp.Error != nil {
			resp.Body.Discard()
			return zero, local.or(rpcerr.FromEnvelope(resp.Error))
		}

		dec, err := serializer.ResolveRequest(call.ResponseSlot(), resp.Protocol)
		if err != nil {
			resp.Body.Discard()
			return zero, err
		}
		if resp.Body.Streamed() {
			resp.Body.Frames = stream.MapError(resp.Body.Frames, local.or)
		}
		return dec.Decode(ctx, resp.Body)
	})
}

// localFailure remembers the failure of a locally encoded request stream.
type localFailure struct {
	mu  sync.Mutex
	err error
}

func (l *localFailure) record(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
	return err
}

// or returns the local failure if there was one, else err.
func (l *localFailure) or(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	return err
}
