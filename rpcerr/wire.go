package rpcerr

import "github.com/jon-ruckwood/lagom/message"

// ToEnvelope returns the wire form of e.
func ToEnvelope(e *Error) *message.ErrorEnvelope {
	if e == nil {
		return nil
	}
	return &message.ErrorEnvelope{
		ErrorCode: e.Code.HTTP,
		ExceptionMessage: message.ExceptionMessage{
			Name:   e.Name,
			Detail: e.Detail,
		},
	}
}

// FromEnvelope rebuilds a typed error from its wire form. Well-known names get
// their exact category back, so errors.Is against the package sentinels works
// on the caller's side.
func FromEnvelope(env *message.ErrorEnvelope) *Error {
	if env == nil {
		return nil
	}
	name := env.ExceptionMessage.Name
	code := ErrorCodeForHTTP(env.ErrorCode)
	if known, ok := codeByName[name]; ok && known.HTTP == env.ErrorCode {
		code = known
	}
	if name == "" {
		name = NameGeneric
	}
	return New(code, name, env.ExceptionMessage.Detail)
}
