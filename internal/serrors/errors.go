package serrors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies storage errors at the request boundary
type Code int

const (
	CodeOK Code = 0

	// Caller errors
	CodeWrongExpectedRevision Code = 1000
	CodeStreamDeleted         Code = 1001
	CodeNotFound              Code = 1002

	// Storage errors
	CodeCorruption  Code = 2000
	CodeIO          Code = 2001
	CodeUnavailable Code = 2002
	CodeNotLeader   Code = 2003
)

// Error is a structured storage error with a code and context
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// GRPCStatus converts the error to a gRPC status
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *Error) toGRPCCode() codes.Code {
	switch e.Code {
	case CodeOK:
		return codes.OK
	case CodeWrongExpectedRevision, CodeStreamDeleted, CodeNotLeader:
		return codes.FailedPrecondition
	case CodeNotFound:
		return codes.NotFound
	case CodeCorruption:
		return codes.DataLoss
	case CodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// New creates a new Error
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WrongExpectedRevision reports an optimistic-concurrency conflict.
// current and expected are rendered forms of the revision precondition
// ("none" when the stream does not exist).
func WrongExpectedRevision(stream, current, expected string) *Error {
	return New(CodeWrongExpectedRevision,
		fmt.Sprintf("stream %q is at revision %s, expected %s", stream, current, expected), nil).
		WithDetail("stream", stream).
		WithDetail("current", current).
		WithDetail("expected", expected)
}

// StreamDeleted reports an operation against a tombstoned stream
func StreamDeleted(stream string) *Error {
	return New(CodeStreamDeleted, fmt.Sprintf("stream %q is deleted", stream), nil).
		WithDetail("stream", stream)
}

// NotFound reports a read on a stream with no events and no tombstone
func NotFound(stream string) *Error {
	return New(CodeNotFound, fmt.Sprintf("stream %q does not exist", stream), nil).
		WithDetail("stream", stream)
}

// Corruption reports a record that failed length, CRC, or required-field checks
func Corruption(message string, cause error) *Error {
	return New(CodeCorruption, message, cause)
}

// IO reports an underlying storage error
func IO(message string, cause error) *Error {
	return New(CodeIO, message, cause)
}

// Unavailable reports a timed-out or backpressured request
func Unavailable(message string, cause error) *Error {
	return New(CodeUnavailable, message, cause)
}

// NotLeader redirects the caller to the current leader.
// Reserved for the replicated mode.
func NotLeader(host string, port int) *Error {
	return New(CodeNotLeader, fmt.Sprintf("not leader, try %s:%d", host, port), nil).
		WithDetail("host", host).
		WithDetail("port", port)
}

// CodeOf extracts the error code from an error chain
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeIO
}

// HasCode reports whether err carries the given code
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
