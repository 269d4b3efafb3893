package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Store error types for categorizing failures.
var (
	// ErrConnectionFailed indicates a failure to open or reach the database.
	ErrConnectionFailed = errors.New("store: connection failed")

	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict indicates a uniqueness constraint rejected the write.
	ErrConflict = errors.New("store: conflict")

	// ErrInvalidData indicates invalid data was provided.
	ErrInvalidData = errors.New("store: invalid data")
)

// StoreError wraps store errors with operation context.
type StoreError struct {
	Op    string
	Table string
	Err   error
}

// Error returns the error message.
func (e *StoreError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("store.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("store.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, table string, err error) *StoreError {
	return &StoreError{Op: op, Table: table, Err: err}
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
}

// WrapNotFoundError wraps an error as a not-found error.
func WrapNotFoundError(op, table, id string) error {
	return &StoreError{Op: op, Table: table, Err: fmt.Errorf("%w: id=%s", ErrNotFound, id)}
}

// IsNotFound checks if the error is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if the error is a uniqueness conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// isUniqueViolation reports whether err is a SQLite uniqueness violation.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
