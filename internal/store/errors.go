package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by TaskStore implementations. Callers match them
// with errors.Is; implementations wrap them with the underlying cause.
var (
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is a unique-constraint conflict other than an idempotent
	// enqueue, which is reported as created=false instead.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity covers input validation and constraint violations.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed marks a transaction that lost a serialization,
	// deadlock or lock-wait race, or failed to commit. Nothing was written,
	// so the operation is safe to repeat.
	ErrTransactionFailed = errors.New("transaction failed")

	ErrTaskNotFound       = fmt.Errorf("%w: task", ErrNotFound)
	ErrDeadLetterNotFound = fmt.Errorf("%w: dead letter", ErrNotFound)
)

// IsNotFoundError reports whether err is, or wraps, ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError reports whether err is, or wraps, ErrDuplicate.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsTransientError reports whether err came from a transaction that can be
// retried as is.
func IsTransientError(err error) bool {
	return errors.Is(err, ErrTransactionFailed)
}
