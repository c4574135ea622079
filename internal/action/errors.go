package action

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRequest is a structural violation of the inbound payload.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrValidation is a semantic violation found before the radio is touched.
	ErrValidation = errors.New("validation failed")
	// ErrLockContention means another touchlink session holds the radio.
	ErrLockContention = errors.New("touchlink lock contention")
	ErrUnknownAction  = errors.New("unknown action")
	// ErrUnexpectedFault is any other failure inside a running reset sequence.
	ErrUnexpectedFault = errors.New("unexpected fault")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRequest, fmt.Sprintf(format, args...))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Error codes reported to callers by the transports.
const (
	CodeMalformedRequest = "malformed_request"
	CodeValidation       = "validation"
	CodeUnknownAction    = "unknown_action"
	CodeLockContention   = "lock_contention"
	CodeUnexpectedFault  = "unexpected_fault"
	CodeStack            = "stack_error"
)

// ErrorCode classifies err for the wire. Errors outside the taxonomy are
// failures reported by the stack.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedRequest):
		return CodeMalformedRequest
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrUnknownAction):
		return CodeUnknownAction
	case errors.Is(err, ErrLockContention):
		return CodeLockContention
	case errors.Is(err, ErrUnexpectedFault):
		return CodeUnexpectedFault
	}
	return CodeStack
}
