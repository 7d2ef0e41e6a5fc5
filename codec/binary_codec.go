package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/jon-ruckwood/lagom/message"
)

// BinaryCodec writes envelopes in a compact length-prefixed layout:
//
//	service  str16
//	call     str16
//	params   u16 count, then count × (key str16, value str16)
//	protocol 3 × str16 (content type, charset, version)
//	accept   u16 count, then count × protocol
//	flags    u8 (bit 0 streamed, bit 1 error)
//	error    u16 code, name str16, detail str32 (only with the error flag)
//	payload  u32 length + bytes
//
// str16/str32 are a big-endian u16/u32 length followed by the bytes.
type BinaryCodec struct{}

const (
	flagStreamed byte = 1 << iota
	flagError
)

var errTruncated = errors.New("BinaryCodec: truncated envelope")

func (c *BinaryCodec) Encode(msg *message.RPCMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("BinaryCodec: nil envelope")
	}
	w := &binaryWriter{}

	w.str16(msg.Service)
	w.str16(msg.Call)

	keys := make([]string, 0, len(msg.Params))
	for k := range msg.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.u16(len(keys))
	for _, k := range keys {
		w.str16(k)
		w.str16(msg.Params[k])
	}

	w.protocol(msg.Protocol)
	w.u16(len(msg.Accept))
	for _, p := range msg.Accept {
		w.protocol(p)
	}

	var flags byte
	if msg.Streamed {
		flags |= flagStreamed
	}
	if msg.Error != nil {
		flags |= flagError
	}
	w.buf = append(w.buf, flags)
	if msg.Error != nil {
		w.u16(msg.Error.ErrorCode)
		w.str16(msg.Error.ExceptionMessage.Name)
		w.bytes32([]byte(msg.Error.ExceptionMessage.Detail))
	}

	w.bytes32(msg.Payload)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, msg *message.RPCMessage) error {
	if msg == nil {
		return errors.New("BinaryCodec: nil envelope")
	}
	r := &binaryReader{data: data}
	*msg = message.RPCMessage{}

	msg.Service = r.str16()
	msg.Call = r.str16()

	if n := r.u16(); n > 0 {
		msg.Params = make(map[string]string, n)
		for i := 0; i < n && r.err == nil; i++ {
			k := r.str16()
			msg.Params[k] = r.str16()
		}
	}

	msg.Protocol = r.protocol()
	if n := r.u16(); n > 0 {
		msg.Accept = make([]message.MessageProtocol, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			msg.Accept = append(msg.Accept, r.protocol())
		}
	}

	flags := r.u8()
	msg.Streamed = flags&flagStreamed != 0
	if flags&flagError != 0 {
		env := &message.ErrorEnvelope{ErrorCode: r.u16()}
		env.ExceptionMessage.Name = r.str16()
		env.ExceptionMessage.Detail = string(r.bytes32())
		msg.Error = env
	}

	if payload := r.bytes32(); len(payload) > 0 {
		msg.Payload = make([]byte, len(payload))
		copy(msg.Payload, payload)
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type binaryWriter struct {
	buf []byte
	err error
}

func (w *binaryWriter) u16(n int) {
	if n < 0 || n > math.MaxUint16 {
		w.fail(fmt.Errorf("BinaryCodec: value %d does not fit in 16 bits", n))
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
}

func (w *binaryWriter) str16(s string) {
	w.u16(len(s))
	w.buf = append(w.buf, s...)
}

func (w *binaryWriter) bytes32(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		w.fail(errors.New("BinaryCodec: payload too large"))
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *binaryWriter) protocol(p message.MessageProtocol) {
	w.str16(p.ContentType)
	w.str16(p.Charset)
	w.str16(p.Version)
}

func (w *binaryWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// binaryReader reads the layout written by binaryWriter. After the first
// short read every accessor returns a zero value and err stays errTruncated.
type binaryReader struct {
	data []byte
	off  int
	err  error
}

func (r *binaryReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = errTruncated
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binaryReader) u8() byte {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *binaryReader) u16() int {
	if b := r.next(2); b != nil {
		return int(binary.BigEndian.Uint16(b))
	}
	return 0
}

func (r *binaryReader) str16() string {
	return string(r.next(r.u16()))
}

func (r *binaryReader) bytes32() []byte {
	b := r.next(4)
	if b == nil {
		return nil
	}
	return r.next(int(binary.BigEndian.Uint32(b)))
}

func (r *binaryReader) protocol() message.MessageProtocol {
	return message.MessageProtocol{
		ContentType: r.str16(),
		Charset:     r.str16(),
		Version:     r.str16(),
	}
}
