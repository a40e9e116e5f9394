// Package errdefs defines the error taxonomy shared by the orchestration
// engine. Callers match categories with errors.Is against the sentinels.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration indicates a required collaborator (for example the
	// checkpoint store) was not configured.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation error")

	// ErrForbidden indicates the caller does not own the requested resource.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict indicates the resource is not in a state that allows the
	// requested transition.
	ErrConflict = errors.New("conflict")

	// ErrNotFound indicates the resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrGuardrail indicates the iteration ceiling was reached.
	ErrGuardrail = errors.New("guardrail tripped")
)

// Error carries a category sentinel plus a human-readable message.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Is reports whether target is the category sentinel of e.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Configuration(format string, args ...any) error {
	return newError(ErrConfiguration, format, args...)
}

func Validation(format string, args ...any) error {
	return newError(ErrValidation, format, args...)
}

func Forbidden(format string, args ...any) error {
	return newError(ErrForbidden, format, args...)
}

func Conflict(format string, args ...any) error {
	return newError(ErrConflict, format, args...)
}

func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

// Wrap attaches a category to an underlying error.
func Wrap(kind error, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	e := newError(kind, format, args...)
	e.Err = err
	return e
}

// GuardrailError is returned when a run reaches its iteration ceiling.
type GuardrailError struct {
	Iteration     int
	MaxIterations int
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("Iteration limit reached (%d/%d)", e.Iteration, e.MaxIterations)
}

func (e *GuardrailError) Is(target error) bool {
	return target == ErrGuardrail
}

// Category returns a short name for the error category, or "internal".
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrGuardrail):
		return "guardrail"
	default:
		return "internal"
	}
}
