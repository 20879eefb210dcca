package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Graph validation error codes. These are fatal: a graph carrying any of
// them is rejected before a single node is scheduled.
const (
	ErrCycleDetected ErrorCode = "CYCLE_DETECTED"
	ErrDanglingEdge  ErrorCode = "DANGLING_EDGE"
	ErrInvalidGraph  ErrorCode = "INVALID_GRAPH"
)

// Rewrite error codes. These degrade to unbatched execution and are never
// fatal on their own.
const (
	ErrUnknownSource       ErrorCode = "UNKNOWN_SOURCE"
	ErrIrreconcilableBatch ErrorCode = "IRRECONCILABLE_BATCH"
)

// Execution error codes
const (
	ErrNodeFailed     ErrorCode = "NODE_FAILED"
	ErrUpstreamFailed ErrorCode = "UPSTREAM_FAILED"
	ErrAdapterFailure ErrorCode = "ADAPTER_FAILURE"
	ErrMissingBinding ErrorCode = "MISSING_BINDING"
	ErrRunCanceled    ErrorCode = "RUN_CANCELED"
	ErrInvalidNode    ErrorCode = "INVALID_NODE"
	ErrResultMissing  ErrorCode = "RESULT_MISSING"
	ErrBadInputShape  ErrorCode = "BAD_INPUT_SHAPE"
	ErrAdapterNotSet  ErrorCode = "ADAPTER_NOT_SET"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	NodeID    string    `json:"node_id,omitempty"`
	SourceKey string    `json:"source_key,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithNode tags the error with the originating node identity.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithSourceKey tags the error with the I/O source it relates to.
func (e *Error) WithSourceKey(key string) *Error {
	e.SourceKey = key
	return e
}

// WithRetryable marks the error as retryable. The engine itself never
// retries; the flag is informational for the caller and the adapter.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}
