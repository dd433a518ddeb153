package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownJobKind is returned when no executor is registered for a job kind.
	ErrUnknownJobKind = errors.New("unknown job kind")
)

// ErrorCode classifies a task execution failure. The settlement engine uses
// it to decide between retry and dead-lettering.
type ErrorCode string

// Error codes reported by executors
const (
	ErrorCodePayloadMissing     ErrorCode = "PAYLOAD_MISSING"
	ErrorCodePayloadInvalid     ErrorCode = "PAYLOAD_INVALID"
	ErrorCodePayloadUnsupported ErrorCode = "PAYLOAD_UNSUPPORTED"
	ErrorCodePreconditionFailed ErrorCode = "PRECONDITION_FAILED"
	ErrorCodeEntityNotFound     ErrorCode = "ENTITY_NOT_FOUND"
	ErrorCodeExecutionFailed    ErrorCode = "EXECUTION_FAILED"

	// ErrorCodeLeaseExpired is recorded by the recovery sweeper, never by executors.
	ErrorCodeLeaseExpired ErrorCode = "LEASE_EXPIRED"
)

// IsRetryable reports whether a failure with this code may be attempted again.
// Unknown codes are treated as transient.
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case ErrorCodePayloadMissing, ErrorCodePayloadInvalid, ErrorCodePayloadUnsupported,
		ErrorCodePreconditionFailed, ErrorCodeEntityNotFound:
		return false
	default:
		return true
	}
}

// TaskError is the normalized failure an executor reports for a task.
type TaskError struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	// Err is the underlying cause, if any. It is not persisted.
	Err error
}

// NewTaskError creates a TaskError with the given code and message.
func NewTaskError(code ErrorCode, message string) *TaskError {
	return &TaskError{Code: code, Message: message}
}

// Errorf creates a TaskError with a formatted message. A wrapped %w cause is
// kept for errors.Is/As.
func Errorf(code ErrorCode, format string, args ...any) *TaskError {
	err := fmt.Errorf(format, args...)
	return &TaskError{Code: code, Message: err.Error(), Err: errors.Unwrap(err)}
}

// Error implements the error interface for TaskError.
func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// WithContext returns a copy of the error carrying an additional context value.
func (e *TaskError) WithContext(key string, value any) *TaskError {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	cp := *e
	cp.Context = ctx
	return &cp
}

// Retryable reports whether the failure may be retried.
func (e *TaskError) Retryable() bool {
	return e.Code.IsRetryable()
}

// ContextJSON encodes the error context for persistence. A context that
// cannot be encoded is replaced by a note saying so rather than failing the
// settlement.
func (e *TaskError) ContextJSON() json.RawMessage {
	if len(e.Context) == 0 {
		return nil
	}
	data, err := json.Marshal(e.Context)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"context_encoding_error": err.Error()})
	}
	return data
}

// NormalizeError converts any error returned by an executor into a TaskError.
// Errors that already carry a TaskError in their chain keep their code; all
// others become EXECUTION_FAILED with the original message preserved.
func NormalizeError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		if taskErr.Code == "" {
			cp := *taskErr
			cp.Code = ErrorCodeExecutionFailed
			return &cp
		}
		return taskErr
	}
	normalized := &TaskError{
		Code:    ErrorCodeExecutionFailed,
		Message: err.Error(),
		Err:     err,
	}
	if errors.Is(err, context.DeadlineExceeded) {
		normalized = normalized.WithContext("timeout", true)
	}
	return normalized
}
