// Package message defines the messages exchanged between a caller and a served call.
//
// RPCMessage is the "envelope" written at the head of every call. It gets serialized by
// the codec layer and wrapped in a protocol frame for transmission. Request and Response
// are the in-process view of the same exchange, where a streamed payload is a live
// stream of encoded frames instead of bytes.
package message

import "github.com/jon-ruckwood/lagom/stream"

// RPCMessage carries the head of a single call request or response.
//
//   - On request:  Service and Call are set, Protocol declares the payload encoding,
//     Accept lists the response encodings the caller can read.
//   - On response: Protocol declares the payload encoding, Error is set if the call failed
//     before a response payload existed.
//
// When Streamed is true the Payload is empty and the payload follows as stream frames.
type RPCMessage struct {
	Service  string            `json:"service,omitempty"`
	Call     string            `json:"call,omitempty"` // CallIdentity key, e.g. "name:echo"
	Params   map[string]string `json:"params,omitempty"`
	Protocol MessageProtocol   `json:"protocol"`
	Accept   []MessageProtocol `json:"accept,omitempty"`
	Streamed bool              `json:"streamed,omitempty"`
	Error    *ErrorEnvelope    `json:"error,omitempty"`
	Payload  []byte            `json:"payload,omitempty"`
}

// ExceptionMessage is the name/detail pair describing a failure on the wire.
type ExceptionMessage struct {
	Name   string `json:"name"`
	Detail string `json:"detail"`
}

// ErrorEnvelope is the only information about a failure that crosses the call
// boundary. ErrorCode is the HTTP status of the error category.
type ErrorEnvelope struct {
	ErrorCode        int              `json:"errorCode"`
	ExceptionMessage ExceptionMessage `json:"exceptionMessage"`
}

// Body is a message payload: either a strict payload in Bytes, or a stream of
// encoded elements in Frames. Exactly one of them is meaningful.
type Body struct {
	Bytes  []byte
	Frames *stream.Stream[[]byte]
}

// Streamed reports whether the payload is a frame stream.
func (b Body) Streamed() bool {
	return b.Frames != nil
}

// StrictBody wraps a strict payload.
func StrictBody(data []byte) Body {
	return Body{Bytes: data}
}

// StreamedBody wraps a frame stream.
func StreamedBody(frames *stream.Stream[[]byte]) Body {
	return Body{Frames: frames}
}

// Discard releases the producer behind a streamed body that will not be read.
func (b Body) Discard() {
	if b.Frames != nil {
		b.Frames.Cancel()
	}
}

// Request is one call as seen by a server.
type Request struct {
	Service  string
	Call     string
	Params   map[string]string
	Protocol MessageProtocol
	Accept   []MessageProtocol
	Body     Body
}

// Response is the outcome of one call. Error is set when the call failed before a
// payload existed; failures of a streamed payload terminate Body.Frames instead.
type Response struct {
	Protocol MessageProtocol
	Body     Body
	Error    *ErrorEnvelope
}

// Head returns the envelope written at the head of the request.
func (r *Request) Head() *RPCMessage {
	msg := &RPCMessage{
		Service:  r.Service,
		Call:     r.Call,
		Params:   r.Params,
		Protocol: r.Protocol,
		Accept:   r.Accept,
		Streamed: r.Body.Streamed(),
	}
	if !msg.Streamed {
		msg.Payload = r.Body.Bytes
	}
	return msg
}

// Head returns the envelope written at the head of the response.
func (r *Response) Head() *RPCMessage {
	msg := &RPCMessage{
		Protocol: r.Protocol,
		Streamed: r.Error == nil && r.Body.Streamed(),
		Error:    r.Error,
	}
	if r.Error == nil && !msg.Streamed {
		msg.Payload = r.Body.Bytes
	}
	return msg
}
