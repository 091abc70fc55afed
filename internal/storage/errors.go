// Package storage persists registry records and execution history.
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed indicates a failure to reach the backing store.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrQueryFailed indicates a read or write command failed.
	ErrQueryFailed = errors.New("storage: query failed")

	// ErrBatchInsertFailed indicates a batch insert failure.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")

	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidData indicates a stored document could not be decoded.
	ErrInvalidData = errors.New("storage: invalid data")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("storage: closed")
)

// StorageError wraps storage errors with the operation and collection involved.
type StorageError struct {
	Op         string
	Collection string
	Err        error
	Retries    int
}

func (e *StorageError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether retrying the operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrQueryFailed)
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// WrapQueryError wraps an error as a query error.
func WrapQueryError(op, collection string, err error) error {
	return &StorageError{
		Op:         op,
		Collection: collection,
		Err:        fmt.Errorf("%w: %v", ErrQueryFailed, err),
	}
}

// WrapNotFoundError builds a not-found error for id.
func WrapNotFoundError(op, collection, id string) error {
	return &StorageError{
		Op:         op,
		Collection: collection,
		Err:        fmt.Errorf("%w: id=%s", ErrNotFound, id),
	}
}

// WrapInvalidData wraps a decoding failure.
func WrapInvalidData(op, collection string, err error) error {
	return &StorageError{
		Op:         op,
		Collection: collection,
		Err:        fmt.Errorf("%w: %v", ErrInvalidData, err),
	}
}
