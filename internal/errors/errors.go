// Package errors defines the typed error taxonomy shared by the orchestration engine.
//
// Every failure path resolves to an *Error carrying a Kind. Callers branch on the
// kind with errors.Is against the sentinel values or with KindOf.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	// KindValidation marks malformed create/update input. Never retried.
	KindValidation Kind = "VALIDATION_ERROR"
	// KindNotFound marks an unknown id.
	KindNotFound Kind = "NOT_FOUND"
	// KindActionExecution marks a single action failure captured in an execution record.
	KindActionExecution Kind = "ACTION_EXECUTION_ERROR"
	// KindClassificationUnavailable marks a failed call to the classification collaborator.
	KindClassificationUnavailable Kind = "CLASSIFICATION_UNAVAILABLE"
	// KindMaxRetriesExceeded marks an operation that failed on every allowed attempt.
	KindMaxRetriesExceeded Kind = "MAX_RETRIES_EXCEEDED"
	// KindConflict marks an optimistic concurrency version mismatch.
	KindConflict Kind = "CONFLICT"
	// KindInternal is used for anything that does not carry a kind.
	KindInternal Kind = "INTERNAL"
)

// Sentinels for errors.Is comparisons.
var (
	ErrValidation                = &Error{Kind: KindValidation}
	ErrNotFound                  = &Error{Kind: KindNotFound}
	ErrActionExecution           = &Error{Kind: KindActionExecution}
	ErrClassificationUnavailable = &Error{Kind: KindClassificationUnavailable}
	ErrMaxRetriesExceeded        = &Error{Kind: KindMaxRetriesExceeded}
	ErrConflict                  = &Error{Kind: KindConflict}
)

// Error is the engine's error value.
type Error struct {
	Kind    Kind   // Taxonomy bucket
	Op      string // Operation that failed, e.g. "workflow.CreateRule"
	Message string // Human readable detail
	Err     error  // Underlying cause, if any
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. A sentinel with an
// empty Op and Message matches any error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return (t.Op == "" || t.Op == e.Op) && (t.Message == "" || t.Message == e.Message)
}

// Validation returns a VALIDATION_ERROR.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapValidation wraps err (typically from go-playground/validator) as a VALIDATION_ERROR.
func WrapValidation(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// NotFound returns a NOT_FOUND error for an entity of the given type.
func NotFound(op, entity, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s not found: %s", entity, id)}
}

// Conflict returns a CONFLICT error for a stale version.
func Conflict(op, id string, expected, actual int64) *Error {
	return &Error{
		Kind:    KindConflict,
		Op:      op,
		Message: fmt.Sprintf("version mismatch for %s: expected %d, current %d", id, expected, actual),
	}
}

// ActionFailed wraps an executor failure.
func ActionFailed(op string, err error) *Error {
	return &Error{Kind: KindActionExecution, Op: op, Err: err}
}

// ClassificationUnavailable wraps a classifier failure.
func ClassificationUnavailable(op string, err error) *Error {
	return &Error{Kind: KindClassificationUnavailable, Op: op, Err: err}
}

// MaxRetriesExceeded wraps the last failure of an exhausted retry loop.
func MaxRetriesExceeded(attempts int, err error) *Error {
	return &Error{
		Kind:    KindMaxRetriesExceeded,
		Message: fmt.Sprintf("gave up after %d attempts", attempts),
		Err:     err,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries kind k anywhere in its chain.
func IsKind(err error, k Kind) bool {
	return errors.Is(err, &Error{Kind: k})
}
