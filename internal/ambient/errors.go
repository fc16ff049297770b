package ambient

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per error code. A typed *Error matches the sentinel of
// its code with errors.Is.
var (
	// ErrLoad indicates encoded bytes could not be fetched
	ErrLoad = errors.New("audio load failed")

	// ErrDecode indicates fetched bytes are not playable audio
	ErrDecode = errors.New("audio decode failed")

	// ErrGraphConnection indicates a node could not be wired into the graph
	ErrGraphConnection = errors.New("audio graph connection failed")

	// ErrInvalidParameter indicates a rejected argument
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrStateConflict indicates an operation that the current state forbids
	ErrStateConflict = errors.New("state conflict")

	// ErrTimeout indicates an operation ran past its deadline
	ErrTimeout = errors.New("operation timed out")

	// ErrCanceled indicates an operation was superseded or canceled
	ErrCanceled = errors.New("operation canceled")
)

// ErrorCode identifies specific error types
type ErrorCode string

const (
	CodeLoad             ErrorCode = "LOAD"
	CodeDecode           ErrorCode = "DECODE"
	CodeGraphConnection  ErrorCode = "GRAPH_CONNECTION"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	CodeStateConflict    ErrorCode = "STATE_CONFLICT"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeCanceled         ErrorCode = "CANCELED"
)

var sentinels = map[ErrorCode]error{
	CodeLoad:             ErrLoad,
	CodeDecode:           ErrDecode,
	CodeGraphConnection:  ErrGraphConnection,
	CodeInvalidParameter: ErrInvalidParameter,
	CodeStateConflict:    ErrStateConflict,
	CodeTimeout:          ErrTimeout,
	CodeCanceled:         ErrCanceled,
}

// Error is an engine error with a code and optional context
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for this error's code.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// NewError creates a new engine error
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// LoadError reports a failed fetch of locator.
func LoadError(locator string, cause error) *Error {
	return NewError(CodeLoad, "failed to load "+locator, cause).WithContext("locator", locator)
}

// DecodeError reports bytes from locator that could not be decoded.
func DecodeError(locator string, cause error) *Error {
	return NewError(CodeDecode, "failed to decode "+locator, cause).WithContext("locator", locator)
}

// GraphError reports a failed connect or disconnect.
func GraphError(op string, cause error) *Error {
	return NewError(CodeGraphConnection, op, cause)
}

// InvalidParameter reports a rejected argument.
func InvalidParameter(format string, args ...any) *Error {
	return NewError(CodeInvalidParameter, fmt.Sprintf(format, args...), nil)
}

// StateConflict reports an operation the current state does not allow.
func StateConflict(format string, args ...any) *Error {
	return NewError(CodeStateConflict, fmt.Sprintf(format, args...), nil)
}

// TimeoutError reports an operation that exceeded its deadline.
func TimeoutError(message string, cause error) *Error {
	return NewError(CodeTimeout, message, cause)
}

// Canceled reports an operation that was superseded before it finished.
func Canceled(message string) *Error {
	return NewError(CodeCanceled, message, nil)
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsRetryable returns true if retrying the operation may succeed
func IsRetryable(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case CodeLoad, CodeTimeout:
		return true
	default:
		return false
	}
}
