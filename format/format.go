// Package format provides the byte-level codecs that plug into content
// negotiation, keyed by the content type they produce.
package format

import (
	"strings"

	"github.com/jon-ruckwood/lagom/message"
)

// Codec marshals values to and from one content type.
// Implementations must be stateless and safe for concurrent use.
type Codec interface {
	Protocol() message.MessageProtocol
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry is an ordered set of codecs. The first registered codec is the
// default, used when a peer does not state a preference.
type Registry struct {
	codecs []Codec
}

// NewRegistry returns a registry holding codecs in preference order.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{}
	for _, c := range codecs {
		r = r.With(c)
	}
	return r
}

// DefaultRegistry returns a registry of the built-in codecs that need no
// configuration: JSON (default), CBOR and Protobuf.
func DefaultRegistry() *Registry {
	return NewRegistry(JSON(), CBOR(), Proto())
}

// With returns a copy of r with c appended, replacing any codec for the same
// content type.
func (r *Registry) With(c Codec) *Registry {
	out := &Registry{codecs: make([]Codec, 0, len(r.codecs)+1)}
	for _, existing := range r.codecs {
		if !strings.EqualFold(existing.Protocol().ContentType, c.Protocol().ContentType) {
			out.codecs = append(out.codecs, existing)
		}
	}
	out.codecs = append(out.codecs, c)
	return out
}

// Default returns the preferred codec, or nil for an empty registry.
func (r *Registry) Default() Codec {
	if len(r.codecs) == 0 {
		return nil
	}
	return r.codecs[0]
}

// Protocols lists the protocols of all codecs in preference order.
func (r *Registry) Protocols() []message.MessageProtocol {
	out := make([]message.MessageProtocol, 0, len(r.codecs))
	for _, c := range r.codecs {
		out = append(out, c.Protocol())
	}
	return out
}

// Get returns the codec able to read a payload declared with protocol. An
// empty content type selects the default codec.
func (r *Registry) Get(protocol message.MessageProtocol) (Codec, bool) {
	if protocol.ContentType == "" {
		c := r.Default()
		return c, c != nil
	}
	for _, c := range r.codecs {
		if strings.EqualFold(c.Protocol().ContentType, protocol.ContentType) {
			return c, true
		}
	}
	return nil, false
}

// Negotiate returns the first codec, in the peer's order of preference,
// matching one of the accepted protocols. An empty accept list selects the
// default codec.
func (r *Registry) Negotiate(accepted []message.MessageProtocol) (Codec, bool) {
	if len(accepted) == 0 {
		c := r.Default()
		return c, c != nil
	}
	for _, want := range accepted {
		for _, c := range r.codecs {
			if want.Matches(c.Protocol()) {
				return c, true
			}
		}
	}
	return nil, false
}
