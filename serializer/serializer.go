// Package serializer defines the negotiated serializer contract a codec
// implements and the slots a call uses to carry its request and response.
//
// A Strict serializer handles one whole message. A slot wraps a Strict
// serializer either as is (StrictSlot) or element-wise over a stream
// (StreamedSlot); the variant is fixed when the slot is built and the Go type
// of the slot follows it, so a call whose handler shape does not match its
// slots does not compile.
package serializer

import (
	"fmt"

	"github.com/jon-ruckwood/lagom/message"
)

// Kind tags the variant of a Slot.
type Kind uint8

const (
	KindStrict Kind = iota + 1
	KindStreamed
)

func (k Kind) String() string {
	switch k {
	case KindStrict:
		return "strict"
	case KindStreamed:
		return "streamed"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// NegotiatedSerializer encodes values with one concrete protocol.
type NegotiatedSerializer[T any] interface {
	Protocol() message.MessageProtocol
	Serialize(v T) ([]byte, error)
}

// NegotiatedDeserializer decodes values of one concrete protocol.
type NegotiatedDeserializer[T any] interface {
	Deserialize(data []byte) (T, error)
}

// Strict is the contract of a whole-message serializer.
//
// Negotiation methods may return an *rpcerr.Error to control exactly what the
// caller sees; any other error is classified by the negotiation engine
// (UnsupportedMediaType for deserializers, NotAcceptable for serializers).
// Serialize and Deserialize errors become SerializationError and
// DeserializationError with the error message as detail.
type Strict[T any] interface {
	// Protocols lists the protocols the serializer produces, preferred first.
	Protocols() []message.MessageProtocol
	// SerializerForRequest returns the serializer a caller uses for requests.
	SerializerForRequest() (NegotiatedSerializer[T], error)
	// DeserializerFor returns a deserializer for payloads declared with protocol.
	DeserializerFor(protocol message.MessageProtocol) (NegotiatedDeserializer[T], error)
	// SerializerForResponse returns a serializer matching one of the accepted
	// protocols, in the caller's order of preference.
	SerializerForResponse(accepted []message.MessageProtocol) (NegotiatedSerializer[T], error)
}
