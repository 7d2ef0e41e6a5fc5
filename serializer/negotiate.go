package serializer

import (
	"errors"

	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/rpcerr"
)

// ResolveRequest negotiates the decoder for a payload declared with the given
// protocol. Failures are UnsupportedMediaType unless the serializer returned
// an already classified error.
func ResolveRequest[T any](slot Slot[T], declared message.MessageProtocol) (Decoder[T], error) {
	dec, err := slot.deserializer(declared)
	if err != nil {
		return nil, negotiationFailure(err, rpcerr.NewUnsupportedMediaType(declared, defaultProtocol(slot)))
	}
	return dec, nil
}

// ResolveResponse negotiates the encoder for a response given the caller's
// accepted protocols, in order of preference. Failures are NotAcceptable
// unless the serializer returned an already classified error.
func ResolveResponse[T any](slot Slot[T], accepted []message.MessageProtocol) (Encoder[T], error) {
	enc, err := slot.responseSerializer(accepted)
	if err != nil {
		return nil, negotiationFailure(err, rpcerr.NewNotAcceptable(accepted, defaultProtocol(slot)))
	}
	return enc, nil
}

// RequestEncoder negotiates the encoder a caller uses for an outgoing request.
func RequestEncoder[T any](slot Slot[T]) (Encoder[T], error) {
	enc, err := slot.requestSerializer()
	if err != nil {
		return nil, negotiationFailure(err, rpcerr.NewNotAcceptable(nil, defaultProtocol(slot)))
	}
	return enc, nil
}

func defaultProtocol[T any](slot Slot[T]) message.MessageProtocol {
	if protocols := slot.Protocols(); len(protocols) > 0 {
		return protocols[0]
	}
	return message.MessageProtocol{}
}

func negotiationFailure(err error, fallback *rpcerr.Error) error {
	var classified *rpcerr.Error
	if errors.As(err, &classified) {
		return classified
	}
	return rpcerr.Wrap(err, fallback.Code, fallback.Name, fallback.Detail)
}
