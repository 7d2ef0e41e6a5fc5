package format

import (
	cbor "github.com/fxamacker/cbor/v2"

	"github.com/jon-ruckwood/lagom/message"
)

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec (RFC 8949) using canonical encoding.
// Content-Type: application/cbor
func CBOR() Codec {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err) // static options, cannot fail
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: em, dec: dm}
}

func (cborCodec) Protocol() message.MessageProtocol {
	return message.MessageProtocol{ContentType: "application/cbor"}
}

func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
