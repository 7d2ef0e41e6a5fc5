// Package protocol implements the binary frame protocol lagom speaks over TCP.
//
// Every frame is a fixed-size 14-byte header followed by a variable-length
// body. The receiver reads the header first to learn the body length, then
// reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ lgm  │02│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// A call is identified by its seq on one connection. It opens with a Request
// frame and is answered by one Response frame. Streamed payloads follow their
// head as StreamFrame frames closed by a StreamEnd; a Cancel frame tells the
// producing side that nobody reads the stream of that seq any more.
//
// Streams are flow controlled per seq. The receiver grants credit with
// WindowUpdate frames, first its whole window and then one credit per frame
// its consumer has taken; the producer sends a StreamFrame only while it
// holds credit. StreamEnd and Cancel need no credit.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MagicNumber byte = 0x6c // 'l'
	MagicByte2  byte = 0x67 // 'g'
	MagicByte3  byte = 0x6d // 'm'
	Version     byte = 0x02
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body. Larger frames are rejected
	// before their body is allocated.
	MaxBodyLen uint32 = 64 << 20
)

// MsgType distinguishes the frames of a call.
type MsgType byte

const (
	MsgTypeRequest      MsgType = 0 // call head, caller → server
	MsgTypeResponse     MsgType = 1 // call head, server → caller
	MsgTypeHeartbeat    MsgType = 2 // keepalive probe (no body)
	MsgTypeStreamFrame  MsgType = 3 // one encoded element of a streamed payload
	MsgTypeStreamEnd    MsgType = 4 // end of a streamed payload; a body carries the failure envelope
	MsgTypeCancel       MsgType = 5 // the receiver of a stream gave up on it (no body)
	MsgTypeWindowUpdate MsgType = 6 // the receiver of a stream grants more frames; body is the credit
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeStreamFrame:
		return "stream-frame"
	case MsgTypeStreamEnd:
		return "stream-end"
	case MsgTypeCancel:
		return "cancel"
	case MsgTypeWindowUpdate:
		return "window-update"
	default:
		return fmt.Sprintf("MsgType(%d)", byte(t))
	}
}

func (t MsgType) valid() bool {
	return t <= MsgTypeWindowUpdate
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // envelope format: 0=JSON, 1=Binary
	MsgType   MsgType
	Seq       uint32 // call id, unique per connection
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w. BodyLen is taken from
// body. Callers sharing w between goroutines must serialize calls, otherwise
// frames interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
	copy(buf[HeaderSize:], body)

	// one write per frame keeps frames whole on the wire
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r and validates the
// header.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if !msgType.valid() {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}

// WindowUpdateBody encodes a credit grant.
func WindowUpdateBody(credit uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, credit)
}

// ParseWindowUpdate decodes the body of a WindowUpdate frame.
func ParseWindowUpdate(body []byte) (uint32, error) {
	if len(body) != 4 {
		return 0, fmt.Errorf("window update body must be 4 bytes, got %d", len(body))
	}
	return binary.BigEndian.Uint32(body), nil
}
