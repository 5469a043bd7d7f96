package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an unknown session id.
	ErrNotFound = errors.New("session: not found")

	// ErrInvalidRequest indicates a rejected create request.
	ErrInvalidRequest = errors.New("session: invalid request")

	// ErrNotActive indicates an operation that needs an active session.
	ErrNotActive = errors.New("session: not active")

	// ErrClosed indicates the registry is shutting down.
	ErrClosed = errors.New("session: registry closed")

	// ErrTooManySessions indicates the registry is at its session limit.
	ErrTooManySessions = errors.New("session: too many sessions")
)

// ModelError reports that the speech model leg could not be brought up or
// was lost. It is fatal to the session.
type ModelError struct {
	Cause error
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	return fmt.Sprintf("session: speech model: %v", e.Cause)
}

// Unwrap returns the underlying error.
func (e *ModelError) Unwrap() error {
	return e.Cause
}

// ValidationError reports one invalid field of a create request.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("session: invalid %s: %s", e.Field, e.Message)
}

// Is matches ErrInvalidRequest.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// StateError reports an operation attempted in the wrong state.
type StateError struct {
	Op    string
	State State
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("session: cannot %s while %s", e.Op, e.State)
}

// Is matches ErrNotActive.
func (e *StateError) Is(target error) bool {
	return target == ErrNotActive
}
