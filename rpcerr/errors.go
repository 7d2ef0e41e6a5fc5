// Package rpcerr classifies call failures into the stable {code, name, detail}
// triple that is allowed to cross the call boundary.
//
// Negotiation and codec failures describe the message, not the server, so
// their detail travels verbatim. Anything else is treated as an untrusted
// handler failure and redacted by the Classifier.
package rpcerr

import (
	"fmt"
	"strings"

	"github.com/jon-ruckwood/lagom/message"
)

// Well-known error names.
const (
	NameUnsupportedMediaType = "UnsupportedMediaType"
	NameNotAcceptable        = "NotAcceptable"
	NameSerialization        = "SerializationError"
	NameDeserialization      = "DeserializationError"
	NameNotFound             = "NotFound"
	NameBadRequest           = "BadRequest"
	NameForbidden            = "Forbidden"
	NamePolicyViolation      = "PolicyViolation"
	NamePayloadTooLarge      = "PayloadTooLarge"
	NameServiceUnavailable   = "ServiceUnavailable"
	NameProtocolError        = "ProtocolError"
	// NameGeneric labels every redacted handler failure.
	NameGeneric = "Exception"
)

var codeByName = map[string]ErrorCode{
	NameUnsupportedMediaType: UnsupportedMediaType,
	NameNotAcceptable:        NotAcceptable,
	NameSerialization:        InternalServerError,
	NameDeserialization:      UnsupportedData,
	NameNotFound:             NotFound,
	NameBadRequest:           BadRequest,
	NameForbidden:            Forbidden,
	NamePolicyViolation:      PolicyViolation,
	NamePayloadTooLarge:      PayloadTooLarge,
	NameServiceUnavailable:   ServiceUnavailable,
	NameProtocolError:        ProtocolError,
}

// Error is a classified failure. Code, Name and Detail are exactly what the
// remote side observes; the wrapped cause, if any, never leaves the process.
type Error struct {
	Code   ErrorCode
	Name   string
	Detail string
	cause  error
}

// New returns a classified error with the given category, name and detail.
func New(code ErrorCode, name, detail string) *Error {
	return &Error{Code: code, Name: name, Detail: detail}
}

// Wrap is like New but keeps cause for local inspection with errors.Is/As.
func Wrap(cause error, code ErrorCode, name, detail string) *Error {
	return &Error{Code: code, Name: name, Detail: detail, cause: cause}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Name
	}
	return e.Name + ": " + e.Detail
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error with the same code and name, so the package
// sentinels work with errors.Is regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Name == e.Name
}

// Sentinels for errors.Is.
var (
	ErrUnsupportedMediaType = New(UnsupportedMediaType, NameUnsupportedMediaType, "")
	ErrNotAcceptable        = New(NotAcceptable, NameNotAcceptable, "")
	ErrSerialization        = New(InternalServerError, NameSerialization, "")
	ErrDeserialization      = New(UnsupportedData, NameDeserialization, "")
	ErrNotFound             = New(NotFound, NameNotFound, "")
	ErrBadRequest           = New(BadRequest, NameBadRequest, "")
	ErrForbidden            = New(Forbidden, NameForbidden, "")
	ErrPolicyViolation      = New(PolicyViolation, NamePolicyViolation, "")
	ErrPayloadTooLarge      = New(PayloadTooLarge, NamePayloadTooLarge, "")
	ErrServiceUnavailable   = New(ServiceUnavailable, NameServiceUnavailable, "")
	ErrProtocol             = New(ProtocolError, NameProtocolError, "")
	ErrInternal             = New(InternalServerError, NameGeneric, "")
)

// NewUnsupportedMediaType reports that no decoder accepts the received
// protocol. supported is the protocol the decoder would have used by default.
func NewUnsupportedMediaType(received, supported message.MessageProtocol) *Error {
	detail := fmt.Sprintf("content type %q is unsupported", received.ContentType)
	if supported.ContentType != "" {
		detail += fmt.Sprintf(", the default supported content type is %q", supported.ContentType)
	}
	return New(UnsupportedMediaType, NameUnsupportedMediaType, detail)
}

// NewNotAcceptable reports that none of the requested protocols can be
// produced. supported is the protocol the encoder would have used by default.
func NewNotAcceptable(requested []message.MessageProtocol, supported message.MessageProtocol) *Error {
	detail := fmt.Sprintf("the requested content types [%s] were not accepted",
		strings.Join(message.ContentTypes(requested), ", "))
	if supported.ContentType != "" {
		detail += fmt.Sprintf(", the default supported content type is %q", supported.ContentType)
	}
	return New(NotAcceptable, NameNotAcceptable, detail)
}

// NewSerializationError reports a failure to encode a message. The detail is
// the codec's message verbatim.
func NewSerializationError(detail string) *Error {
	return New(InternalServerError, NameSerialization, detail)
}

// NewDeserializationError reports a failure to decode a message. The detail is
// the codec's message verbatim.
func NewDeserializationError(detail string) *Error {
	return New(UnsupportedData, NameDeserialization, detail)
}

func NewNotFound(detail string) *Error {
	return New(NotFound, NameNotFound, detail)
}

func NewBadRequest(detail string) *Error {
	return New(BadRequest, NameBadRequest, detail)
}

func NewForbidden(detail string) *Error {
	return New(Forbidden, NameForbidden, detail)
}

func NewPolicyViolation(detail string) *Error {
	return New(PolicyViolation, NamePolicyViolation, detail)
}

func NewPayloadTooLarge(detail string) *Error {
	return New(PayloadTooLarge, NamePayloadTooLarge, detail)
}

func NewServiceUnavailable(detail string) *Error {
	return New(ServiceUnavailable, NameServiceUnavailable, detail)
}

// NewProtocolError reports a message that is not valid for the protocol.
func NewProtocolError(detail string) *Error {
	return New(ProtocolError, NameProtocolError, detail)
}
