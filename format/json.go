package format

import (
	"encoding/json"

	"github.com/jon-ruckwood/lagom/message"
)

type jsonCodec struct{}

// JSON returns a JSON codec (RFC 8259). Content-Type: application/json; charset=utf-8
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Protocol() message.MessageProtocol {
	return message.MessageProtocol{ContentType: "application/json", Charset: "utf-8"}
}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
