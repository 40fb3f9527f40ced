package protocol

import "errors"

// Core protocol errors
var (
	// Message errors

	ErrMalformed           = errors.New("malformed message")
	ErrUnknownType         = errors.New("unknown message type")
	ErrMissingField        = errors.New("missing required field")
	ErrInvalidField        = errors.New("invalid field")
	ErrInvalidSequence     = errors.New("invalid chunk sequence")
	ErrMessageTooLarge     = errors.New("message too large")
	ErrSerializationFailed = errors.New("message serialization failed")

	// Connection errors

	ErrConnectionClosed  = errors.New("connection is closed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionLost    = errors.New("connection lost")
	ErrDialFailed        = errors.New("dial failed")
	ErrSendFailed        = errors.New("send failed")

	// Protocol errors

	ErrProtocolViolation = errors.New("protocol violation")
	ErrUnexpectedMessage = errors.New("unexpected message for state")
	ErrServerError       = errors.New("server reported error")
)

// ErrorCode represents a numeric error code for efficient error handling
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Connection error codes (1000-1999)

	ErrorCodeConnectionClosed  ErrorCode = 1001
	ErrorCodeConnectionTimeout ErrorCode = 1002
	ErrorCodeConnectionLost    ErrorCode = 1004
	ErrorCodeProtocolViolation ErrorCode = 1007
	ErrorCodeDialFailed        ErrorCode = 1008
	ErrorCodeSendFailed        ErrorCode = 1009

	// Message error codes (3000-3999)

	ErrorCodeMessageTooLarge     ErrorCode = 3001
	ErrorCodeMalformed           ErrorCode = 3003
	ErrorCodeSerializationFailed ErrorCode = 3005
	ErrorCodeUnexpectedMessage   ErrorCode = 3007
	ErrorCodeServerError         ErrorCode = 3008

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error is a protocol error carrying its code.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Error mapping from standard errors to error codes
var errorCodeMap = map[error]ErrorCode{
	ErrConnectionClosed:  ErrorCodeConnectionClosed,
	ErrConnectionTimeout: ErrorCodeConnectionTimeout,
	ErrConnectionLost:    ErrorCodeConnectionLost,
	ErrDialFailed:        ErrorCodeDialFailed,
	ErrSendFailed:        ErrorCodeSendFailed,

	ErrMalformed:           ErrorCodeMalformed,
	ErrUnknownType:         ErrorCodeMalformed,
	ErrMissingField:        ErrorCodeMalformed,
	ErrInvalidField:        ErrorCodeMalformed,
	ErrInvalidSequence:     ErrorCodeMalformed,
	ErrMessageTooLarge:     ErrorCodeMessageTooLarge,
	ErrSerializationFailed: ErrorCodeSerializationFailed,

	ErrProtocolViolation: ErrorCodeProtocolViolation,
	ErrUnexpectedMessage: ErrorCodeUnexpectedMessage,
	ErrServerError:       ErrorCodeServerError,
}

// GetErrorCode returns the error code for a given error, looking through
// wrapped chains. An oversized inbound frame is malformed, not just large.
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeSuccess
	}

	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}

	if errors.Is(err, ErrMalformed) {
		return ErrorCodeMalformed
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ErrorCodeUnknownError
}

// WrapError wraps err into an Error with its code.
func WrapError(err error, message string) *Error {
	return &Error{Code: GetErrorCode(err), Message: message, Cause: err}
}
