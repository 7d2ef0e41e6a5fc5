package rpcerr

// ErrorCode is a stable error category. It carries the equivalent HTTP status
// and WebSocket close code so transports of either kind can report it.
type ErrorCode struct {
	HTTP        int
	WebSocket   int
	Description string
}

var (
	// ProtocolError means the message was not a valid message of the protocol.
	ProtocolError = ErrorCode{HTTP: 400, WebSocket: 1002, Description: "Protocol error"}

	// UnsupportedData means the payload could not be deserialized.
	UnsupportedData = ErrorCode{HTTP: 400, WebSocket: 1003, Description: "Unsupported data"}

	BadRequest       = ErrorCode{HTTP: 400, WebSocket: 1008, Description: "Bad request"}
	Forbidden        = ErrorCode{HTTP: 403, WebSocket: 1008, Description: "Forbidden"}
	PolicyViolation  = ErrorCode{HTTP: 404, WebSocket: 1008, Description: "Policy violation"}
	NotFound         = ErrorCode{HTTP: 404, WebSocket: 1008, Description: "Not found"}
	MethodNotAllowed = ErrorCode{HTTP: 405, WebSocket: 1008, Description: "Method not allowed"}

	// NotAcceptable means no response encoding matches what the caller accepts.
	NotAcceptable = ErrorCode{HTTP: 406, WebSocket: 1008, Description: "Not acceptable"}

	PayloadTooLarge = ErrorCode{HTTP: 413, WebSocket: 1009, Description: "Payload too large"}

	// UnsupportedMediaType means no decoder accepts the declared request encoding.
	UnsupportedMediaType = ErrorCode{HTTP: 415, WebSocket: 1003, Description: "Unsupported media type"}

	InternalServerError = ErrorCode{HTTP: 500, WebSocket: 1011, Description: "Internal server error"}
	ServiceUnavailable  = ErrorCode{HTTP: 503, WebSocket: 1011, Description: "Service unavailable"}
)

var knownCodes = []ErrorCode{
	ProtocolError, BadRequest, Forbidden, NotFound, MethodNotAllowed,
	NotAcceptable, PayloadTooLarge, UnsupportedMediaType, InternalServerError,
	ServiceUnavailable,
}

// ErrorCodeForHTTP returns the category for an HTTP status. Statuses shared by
// several categories resolve to the most general one (400 is ProtocolError,
// 404 is NotFound); callers needing the exact category use the error name.
// Unknown 4xx statuses map to a policy-violation close code, anything else to
// an internal-error close code.
func ErrorCodeForHTTP(status int) ErrorCode {
	for _, c := range knownCodes {
		if c.HTTP == status {
			return c
		}
	}
	if status >= 400 && status < 500 {
		return ErrorCode{HTTP: status, WebSocket: 1008, Description: "Unknown error code"}
	}
	return ErrorCode{HTTP: status, WebSocket: 1011, Description: "Unknown error code"}
}

func (c ErrorCode) String() string {
	return c.Description
}
