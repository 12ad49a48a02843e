package store

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes replication errors.
type ErrorCode string

const (
	// ErrCodeConcurrency indicates a write supplied a stale expected version.
	ErrCodeConcurrency ErrorCode = "CONCURRENCY_CONFLICT"

	// ErrCodeNotFound indicates the row does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeTimeout indicates a bounded operation exceeded its deadline.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeCorrupted indicates the database could not be opened even after
	// a delete-and-recreate recovery attempt.
	ErrCodeCorrupted ErrorCode = "CORRUPTED"

	// ErrCodeSyncFailed indicates a remote fetch or merge failed.
	ErrCodeSyncFailed ErrorCode = "SYNC_FAILED"

	// ErrCodeClosed indicates the manager was closed.
	ErrCodeClosed ErrorCode = "CLOSED"
)

// Error is the structured error returned by the store and replica packages.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op is the operation that failed ("set", "open", "query", ...).
	Op string

	// Table and ID identify the affected row when known.
	Table string
	ID    string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Table != "" && e.ID != "" {
		msg = fmt.Sprintf("%s (table=%s, id=%s)", msg, e.Table, e.ID)
	} else if e.Table != "" {
		msg = fmt.Sprintf("%s (table=%s)", msg, e.Table)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewConcurrencyError creates an Error for a stale expected version.
func NewConcurrencyError(table, id string, expected, actual int64) *Error {
	return &Error{
		Code:    ErrCodeConcurrency,
		Op:      "set",
		Table:   table,
		ID:      id,
		Message: fmt.Sprintf("expected version %d, stored version %d", expected, actual),
	}
}

// NewNotFoundError creates an Error for a missing row.
func NewNotFoundError(op, table, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Op: op, Table: table, ID: id, Message: "row not found"}
}

// NewTimeoutError creates an Error for an exceeded deadline.
func NewTimeoutError(op, table string, err error) *Error {
	return &Error{Code: ErrCodeTimeout, Op: op, Table: table, Message: "deadline exceeded", Err: err}
}

// HasCode returns true if err wraps an *Error with the given code.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsConcurrencyError returns true if the error is a stale-version conflict.
func IsConcurrencyError(err error) bool { return HasCode(err, ErrCodeConcurrency) }

// IsNotFound returns true if the error is a missing-row error.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

// IsTimeout returns true if the error is a deadline error.
func IsTimeout(err error) bool { return HasCode(err, ErrCodeTimeout) }

// IsCorrupted returns true if the database could not be recovered.
func IsCorrupted(err error) bool { return HasCode(err, ErrCodeCorrupted) }
