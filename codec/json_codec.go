package codec

import (
	"encoding/json"

	"github.com/jon-ruckwood/lagom/message"
)

// JSONCodec writes envelopes as JSON. Readable on the wire and easy to debug,
// at the price of size: payloads are base64 encoded.
type JSONCodec struct{}

func (c *JSONCodec) Encode(msg *message.RPCMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *JSONCodec) Decode(data []byte, msg *message.RPCMessage) error {
	return json.Unmarshal(data, msg)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
