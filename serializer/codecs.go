package serializer

import (
	"errors"
	"reflect"

	"github.com/jon-ruckwood/lagom/format"
	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/rpcerr"
)

var errNoCodecs = errors.New("serializer: no codecs registered")

// Codecs returns a Strict serializer for T backed by the codecs of r. The
// registry's default codec serializes requests and answers callers that state
// no preference.
func Codecs[T any](r *format.Registry) Strict[T] {
	return codecSerializer[T]{registry: r}
}

type codecSerializer[T any] struct {
	registry *format.Registry
}

func (s codecSerializer[T]) Protocols() []message.MessageProtocol {
	return s.registry.Protocols()
}

func (s codecSerializer[T]) defaultProtocol() message.MessageProtocol {
	if c := s.registry.Default(); c != nil {
		return c.Protocol()
	}
	return message.MessageProtocol{}
}

func (s codecSerializer[T]) SerializerForRequest() (NegotiatedSerializer[T], error) {
	c := s.registry.Default()
	if c == nil {
		return nil, errNoCodecs
	}
	return codecBound[T]{codec: c}, nil
}

func (s codecSerializer[T]) DeserializerFor(protocol message.MessageProtocol) (NegotiatedDeserializer[T], error) {
	c, ok := s.registry.Get(protocol)
	if !ok {
		return nil, rpcerr.NewUnsupportedMediaType(protocol, s.defaultProtocol())
	}
	return codecBound[T]{codec: c}, nil
}

func (s codecSerializer[T]) SerializerForResponse(accepted []message.MessageProtocol) (NegotiatedSerializer[T], error) {
	c, ok := s.registry.Negotiate(accepted)
	if !ok {
		return nil, rpcerr.NewNotAcceptable(accepted, s.defaultProtocol())
	}
	return codecBound[T]{codec: c}, nil
}

// codecBound is a codec bound to T; it serves as both negotiated serializer
// and deserializer.
type codecBound[T any] struct {
	codec format.Codec
}

func (b codecBound[T]) Protocol() message.MessageProtocol {
	return b.codec.Protocol()
}

func (b codecBound[T]) Serialize(v T) ([]byte, error) {
	return b.codec.Marshal(v)
}

func (b codecBound[T]) Deserialize(data []byte) (T, error) {
	var v T
	// Pointer types are allocated and decoded in place, so codecs that need
	// the concrete message type (protobuf) see it rather than a **T.
	if t := reflect.TypeOf(v); t != nil && t.Kind() == reflect.Pointer {
		ptr := reflect.New(t.Elem())
		if err := b.codec.Unmarshal(data, ptr.Interface()); err != nil {
			return v, err
		}
		return ptr.Interface().(T), nil
	}
	if err := b.codec.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}
