package service

import (
	"context"

	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/serializer"
)

// Endpoint is a call with its request and response shapes erased, as held by a
// Descriptor and served by a server.
type Endpoint interface {
	Identity() CallIdentity
	RequestKind() serializer.Kind
	ResponseKind() serializer.Kind
	// ResponseProtocols lists the protocols the call can answer with.
	ResponseProtocols() []message.MessageProtocol
	// Serve runs the invocation pipeline for one request. It never returns nil.
	Serve(ctx context.Context, req *message.Request, opts ServeOptions) *message.Response
}

// Call binds a call identity to its serializer slots and handler. A Call is
// immutable: the With methods return modified copies, so a Call can be shared
// by concurrent invocations.
type Call[Req, Resp any] struct {
	identity CallIdentity
	request  serializer.Slot[Req]
	response serializer.Slot[Resp]
	handler  Handler[Req, Resp]
}

// NewCall describes one call.
func NewCall[Req, Resp any](id CallIdentity, request serializer.Slot[Req], response serializer.Slot[Resp], handler Handler[Req, Resp]) *Call[Req, Resp] {
	return &Call[Req, Resp]{
		identity: id,
		request:  request,
		response: response,
		handler:  handler,
	}
}

func (c *Call[Req, Resp]) Identity() CallIdentity { return c.identity }

func (c *Call[Req, Resp]) RequestSlot() serializer.Slot[Req] { return c.request }

func (c *Call[Req, Resp]) ResponseSlot() serializer.Slot[Resp] { return c.response }

func (c *Call[Req, Resp]) Handler() Handler[Req, Resp] { return c.handler }

func (c *Call[Req, Resp]) RequestKind() serializer.Kind { return c.request.Kind() }

func (c *Call[Req, Resp]) ResponseKind() serializer.Kind { return c.response.Kind() }

func (c *Call[Req, Resp]) ResponseProtocols() []message.MessageProtocol {
	return c.response.Protocols()
}

// WithIdentity returns a copy of c with the identity replaced.
func (c *Call[Req, Resp]) WithIdentity(id CallIdentity) *Call[Req, Resp] {
	out := *c
	out.identity = id
	return &out
}

// WithRequestSlot returns a copy of c with the request slot replaced.
func (c *Call[Req, Resp]) WithRequestSlot(slot serializer.Slot[Req]) *Call[Req, Resp] {
	out := *c
	out.request = slot
	return &out
}

// WithResponseSlot returns a copy of c with the response slot replaced.
func (c *Call[Req, Resp]) WithResponseSlot(slot serializer.Slot[Resp]) *Call[Req, Resp] {
	out := *c
	out.response = slot
	return &out
}

// WithHandler returns a copy of c with the handler replaced.
func (c *Call[Req, Resp]) WithHandler(h Handler[Req, Resp]) *Call[Req, Resp] {
	out := *c
	out.handler = h
	return &out
}
