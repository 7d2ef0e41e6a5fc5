package service

import "github.com/jon-ruckwood/lagom/serializer"

// MatchIdentity matches exactly one identity.
func MatchIdentity(id CallIdentity) func(CallIdentity) bool {
	return func(other CallIdentity) bool { return other == id }
}

// MatchAny matches every identity.
func MatchAny(CallIdentity) bool { return true }

// ReplaceRequestSlot returns a copy of d in which the request slot of every
// matching Call[Req, Resp] is replaced. Matching calls of other shapes are
// left untouched.
func ReplaceRequestSlot[Req, Resp any](d *Descriptor, match func(CallIdentity) bool, slot serializer.Slot[Req]) *Descriptor {
	return d.Replace(match, func(ep Endpoint) Endpoint {
		if c, ok := ep.(*Call[Req, Resp]); ok {
			return c.WithRequestSlot(slot)
		}
		return ep
	})
}

// ReplaceResponseSlot is ReplaceRequestSlot for the response slot.
func ReplaceResponseSlot[Req, Resp any](d *Descriptor, match func(CallIdentity) bool, slot serializer.Slot[Resp]) *Descriptor {
	return d.Replace(match, func(ep Endpoint) Endpoint {
		if c, ok := ep.(*Call[Req, Resp]); ok {
			return c.WithResponseSlot(slot)
		}
		return ep
	})
}

// ReplaceHandler is ReplaceRequestSlot for the handler.
func ReplaceHandler[Req, Resp any](d *Descriptor, match func(CallIdentity) bool, h Handler[Req, Resp]) *Descriptor {
	return d.Replace(match, func(ep Endpoint) Endpoint {
		if c, ok := ep.(*Call[Req, Resp]); ok {
			return c.WithHandler(h)
		}
		return ep
	})
}
