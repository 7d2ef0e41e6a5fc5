package serializer

import (
	"context"
	"errors"

	"github.com/jon-ruckwood/lagom/future"
	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/rpcerr"
	"github.com/jon-ruckwood/lagom/stream"
)

// Encoder encodes a call payload with the protocol chosen by negotiation.
type Encoder[T any] interface {
	Protocol() message.MessageProtocol
	Encode(ctx context.Context, v T) (message.Body, error)
}

// Decoder decodes a call payload of the protocol chosen by negotiation.
type Decoder[T any] interface {
	Decode(ctx context.Context, body message.Body) (T, error)
}

// Slot is the serializer of one side (request or response) of a call. Slots
// are built with StrictSlot or StreamedSlot only; use the package-level
// Resolve functions to negotiate them.
type Slot[T any] interface {
	Kind() Kind
	// Protocols lists the protocols this slot can produce, preferred first.
	Protocols() []message.MessageProtocol

	requestSerializer() (Encoder[T], error)
	deserializer(declared message.MessageProtocol) (Decoder[T], error)
	responseSerializer(accepted []message.MessageProtocol) (Encoder[T], error)
}

// StrictSlot carries whole values of T.
func StrictSlot[T any](s Strict[T]) Slot[T] {
	return strictSlot[T]{s: s}
}

// StreamedSlot carries a stream of E, applying s to every element.
func StreamedSlot[E any](s Strict[E]) Slot[*stream.Stream[E]] {
	return streamedSlot[E]{s: s}
}

type strictSlot[T any] struct {
	s Strict[T]
}

func (strictSlot[T]) Kind() Kind { return KindStrict }

func (sl strictSlot[T]) Protocols() []message.MessageProtocol { return sl.s.Protocols() }

func (sl strictSlot[T]) requestSerializer() (Encoder[T], error) {
	ser, err := sl.s.SerializerForRequest()
	if err != nil {
		return nil, err
	}
	return strictEncoder[T]{ser: ser}, nil
}

func (sl strictSlot[T]) deserializer(declared message.MessageProtocol) (Decoder[T], error) {
	des, err := sl.s.DeserializerFor(declared)
	if err != nil {
		return nil, err
	}
	return strictDecoder[T]{des: des}, nil
}

func (sl strictSlot[T]) responseSerializer(accepted []message.MessageProtocol) (Encoder[T], error) {
	ser, err := sl.s.SerializerForResponse(accepted)
	if err != nil {
		return nil, err
	}
	return strictEncoder[T]{ser: ser}, nil
}

type streamedSlot[E any] struct {
	s Strict[E]
}

func (streamedSlot[E]) Kind() Kind { return KindStreamed }

func (sl streamedSlot[E]) Protocols() []message.MessageProtocol { return sl.s.Protocols() }

func (sl streamedSlot[E]) requestSerializer() (Encoder[*stream.Stream[E]], error) {
	ser, err := sl.s.SerializerForRequest()
	if err != nil {
		return nil, err
	}
	return streamedEncoder[E]{ser: ser}, nil
}

func (sl streamedSlot[E]) deserializer(declared message.MessageProtocol) (Decoder[*stream.Stream[E]], error) {
	des, err := sl.s.DeserializerFor(declared)
	if err != nil {
		return nil, err
	}
	return streamedDecoder[E]{des: des}, nil
}

func (sl streamedSlot[E]) responseSerializer(accepted []message.MessageProtocol) (Encoder[*stream.Stream[E]], error) {
	ser, err := sl.s.SerializerForResponse(accepted)
	if err != nil {
		return nil, err
	}
	return streamedEncoder[E]{ser: ser}, nil
}

type strictEncoder[T any] struct {
	ser NegotiatedSerializer[T]
}

func (e strictEncoder[T]) Protocol() message.MessageProtocol { return e.ser.Protocol() }

func (e strictEncoder[T]) Encode(_ context.Context, v T) (message.Body, error) {
	data, err := serialize(e.ser, v)
	if err != nil {
		return message.Body{}, err
	}
	return message.StrictBody(data), nil
}

type strictDecoder[T any] struct {
	des NegotiatedDeserializer[T]
}

func (d strictDecoder[T]) Decode(_ context.Context, body message.Body) (T, error) {
	if body.Streamed() {
		body.Discard()
		var zero T
		return zero, rpcerr.NewDeserializationError("expected a strict payload, received a stream")
	}
	return deserialize(d.des, body.Bytes)
}

type streamedEncoder[E any] struct {
	ser NegotiatedSerializer[E]
}

func (e streamedEncoder[E]) Protocol() message.MessageProtocol { return e.ser.Protocol() }

func (e streamedEncoder[E]) Encode(ctx context.Context, elems *stream.Stream[E]) (message.Body, error) {
	if elems == nil {
		return message.StreamedBody(stream.Empty[[]byte](ctx)), nil
	}
	frames := stream.Map(elems, func(elem E) ([]byte, error) {
		return serialize(e.ser, elem)
	})
	return message.StreamedBody(frames), nil
}

type streamedDecoder[E any] struct {
	des NegotiatedDeserializer[E]
}

func (d streamedDecoder[E]) Decode(ctx context.Context, body message.Body) (*stream.Stream[E], error) {
	if !body.Streamed() {
		return nil, rpcerr.NewDeserializationError("expected a streamed payload, received a strict one")
	}
	return stream.Map(body.Frames, func(frame []byte) (E, error) {
		return deserialize(d.des, frame)
	}), nil
}

func serialize[T any](ser NegotiatedSerializer[T], v T) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, &future.PanicError{Value: r}
		}
	}()
	data, err = ser.Serialize(v)
	if err != nil {
		return nil, codecFailure(err, rpcerr.NameSerialization, rpcerr.InternalServerError)
	}
	return data, nil
}

func deserialize[T any](des NegotiatedDeserializer[T], data []byte) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, &future.PanicError{Value: r}
		}
	}()
	v, err = des.Deserialize(data)
	if err != nil {
		var zero T
		return zero, codecFailure(err, rpcerr.NameDeserialization, rpcerr.UnsupportedData)
	}
	return v, nil
}

func codecFailure(err error, name string, code rpcerr.ErrorCode) error {
	var classified *rpcerr.Error
	if errors.As(err, &classified) {
		return classified
	}
	return rpcerr.Wrap(err, code, name, err.Error())
}
