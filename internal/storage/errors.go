package storage

import (
	"errors"
	"fmt"
)

// Storage error types for categorizing backend failures.
var (
	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("storage: not found")

	// ErrUnavailable indicates the backend is unreachable. Detector reads
	// treat this as "below threshold", never as an indication of abuse.
	ErrUnavailable = errors.New("storage: backend unavailable")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("storage: operation timeout")
)

// Error wraps storage errors with operation context.
type Error struct {
	Op  string // Operation that failed (e.g., "Get", "Put", "ScanPrefix")
	Key string // Key involved, if applicable
	Err error  // Underlying error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable checks if the error indicates an unreachable backend.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// WrapNotFoundError wraps a missing key as a not found error.
func WrapNotFoundError(op, key string) error {
	return &Error{Op: op, Key: key, Err: ErrNotFound}
}

// WrapUnavailableError wraps a backend failure as an unavailable error.
func WrapUnavailableError(op string, err error) error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
}
