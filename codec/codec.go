// Package codec serializes call envelopes (message.RPCMessage) for the frame
// protocol. It only concerns the envelope; payload bytes inside it were
// already encoded by the call's negotiated serializer.
package codec

import (
	"fmt"

	"github.com/jon-ruckwood/lagom/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	default:
		return fmt.Sprintf("CodecType(%d)", byte(t))
	}
}

// ParseCodecType maps a configuration name to its CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json":
		return CodecTypeJSON, nil
	case "binary", "":
		return CodecTypeBinary, nil
	default:
		return 0, fmt.Errorf("unknown envelope codec %q", name)
	}
}

type Codec interface {
	Encode(msg *message.RPCMessage) ([]byte, error)
	Decode(data []byte, msg *message.RPCMessage) error
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}
