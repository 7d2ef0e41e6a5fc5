package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jon-ruckwood/lagom/future"
	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/rpcerr"
	"github.com/jon-ruckwood/lagom/serializer"
	"github.com/jon-ruckwood/lagom/stream"
)

// Stage is a state of the server-side invocation pipeline.
//
//	Negotiating → Decoding → Invoking → Encoding → Done
//
// A failure in any stage ends the invocation with one classified error.
type Stage uint8

const (
	StageNegotiating Stage = iota + 1
	StageDecoding
	StageInvoking
	StageEncoding
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageNegotiating:
		return "negotiating"
	case StageDecoding:
		return "decoding"
	case StageInvoking:
		return "invoking"
	case StageEncoding:
		return "encoding"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// StageEvent reports a pipeline transition. Err is set when the invocation
// failed in Stage; Cause is the unclassified failure, for local use only.
type StageEvent struct {
	Call  CallIdentity
	Stage Stage
	Err   *rpcerr.Error
	Cause error
}

// Failed reports whether the event is a failure.
func (e StageEvent) Failed() bool { return e.Err != nil }

// ServeOptions configures how an Endpoint serves a request.
type ServeOptions struct {
	Classifier *rpcerr.Classifier
	Logger     *zap.Logger
	// Observer, if set, receives every stage transition and failure,
	// including failures of a response stream after it started.
	Observer func(StageEvent)
}

var errNilFuture = errors.New("service: handler returned neither a future nor an error")

// Serve runs the invocation pipeline for one request.
//
// Both negotiations run before the request is decoded, so a request that
// cannot be answered never reaches the handler. Failures are classified with
// opts.Classifier; a streamed response that fails after it started emitting
// ends with a classified failure instead of a truncated stream.
func (c *Call[Req, Resp]) Serve(ctx context.Context, req *message.Request, opts ServeOptions) *message.Response {
	inv := newInvocation(c.identity, opts)

	inv.enter(StageNegotiating)
	dec, err := serializer.ResolveRequest(c.request, req.Protocol)
	if err != nil {
		req.Body.Discard()
		return inv.fail(err)
	}
	enc, err := serializer.ResolveResponse(c.response, req.Accept)
	if err != nil {
		req.Body.Discard()
		return inv.fail(err)
	}

	inv.enter(StageDecoding)
	in, err := dec.Decode(ctx, req.Body)
	if err != nil {
		req.Body.Discard()
		return inv.fail(err)
	}

	inv.enter(StageInvoking)
	out, err := invoke(ctx, c.handler, Params(req.Params), in)
	if err != nil {
		req.Body.Discard()
		return inv.fail(err)
	}

	inv.enter(StageEncoding)
	body, err := enc.Encode(ctx, out)
	if err != nil {
		req.Body.Discard()
		return inv.fail(err)
	}
	if body.Streamed() {
		// the handler may still be reading the request stream
		body.Frames = stream.MapError(body.Frames, inv.streamFailure)
	} else {
		req.Body.Discard()
	}

	inv.enter(StageDone)
	return &message.Response{Protocol: enc.Protocol(), Body: body}
}

func invoke[Req, Resp any](ctx context.Context, h Handler[Req, Resp], params Params, in Req) (Resp, error) {
	fut, err := callHandler(ctx, h, params, in)
	if err != nil {
		var zero Resp
		return zero, err
	}
	if fut == nil {
		var zero Resp
		return zero, errNilFuture
	}
	return fut.Await(ctx)
}

func callHandler[Req, Resp any](ctx context.Context, h Handler[Req, Resp], params Params, in Req) (fut *future.Future[Resp], err error) {
	defer func() {
		if r := recover(); r != nil {
			fut, err = nil, &future.PanicError{Value: r}
		}
	}()
	return h(ctx, params, in)
}

// invocation is the per-request state of the pipeline. It is never shared
// between requests.
type invocation struct {
	id    CallIdentity
	stage Stage
	opts  ServeOptions
}

func newInvocation(id CallIdentity, opts ServeOptions) *invocation {
	if opts.Classifier == nil {
		opts.Classifier = rpcerr.Default
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &invocation{id: id, opts: opts}
}

func (inv *invocation) enter(stage Stage) {
	inv.stage = stage
	if inv.opts.Observer != nil {
		inv.opts.Observer(StageEvent{Call: inv.id, Stage: stage})
	}
}

func (inv *invocation) fail(err error) *message.Response {
	classified := inv.report(inv.stage, err)
	return &message.Response{Error: rpcerr.ToEnvelope(classified)}
}

// streamFailure classifies the terminal failure of a response stream.
func (inv *invocation) streamFailure(err error) error {
	return inv.report(StageEncoding, err)
}

func (inv *invocation) report(stage Stage, err error) *rpcerr.Error {
	classified := inv.opts.Classifier.Classify(err)
	inv.opts.Logger.Warn("call failed",
		zap.String("call", inv.id.String()),
		zap.Stringer("stage", stage),
		zap.Int("code", classified.Code.HTTP),
		zap.String("name", classified.Name),
		zap.Error(err),
	)
	if inv.opts.Observer != nil {
		inv.opts.Observer(StageEvent{Call: inv.id, Stage: stage, Err: classified, Cause: err})
	}
	return classified
}
