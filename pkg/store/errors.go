package store

import (
	"errors"
	"fmt"
)

// Storage errors.
var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCommitFailed marks a batch write the store rejected.
	ErrCommitFailed = errors.New("batch commit failed")

	// ErrWriteFailed marks a single document write the store rejected.
	ErrWriteFailed = errors.New("document write failed")
)

// Error is a failed store operation. It matches its Kind with errors.Is and
// unwraps to the underlying cause.
type Error struct {
	Kind       error
	Collection string
	ID         string
	Size       int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("%v: %s/%s: %v", e.Kind, e.Collection, e.ID, e.Err)
	case e.Size > 0:
		return fmt.Sprintf("%v: %s (%d documents): %v", e.Kind, e.Collection, e.Size, e.Err)
	default:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Collection, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error kind.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// CommitError wraps a rejected batch write.
func CommitError(collection string, size int, err error) error {
	return &Error{Kind: ErrCommitFailed, Collection: collection, Size: size, Err: err}
}

// WriteError wraps a rejected single write.
func WriteError(collection, id string, err error) error {
	return &Error{Kind: ErrWriteFailed, Collection: collection, ID: id, Err: err}
}
