package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the connection has been closed.
	ErrClosed = errors.New("backend: closed")

	// ErrUnknownBackend indicates an unrecognized backend identifier.
	ErrUnknownBackend = errors.New("backend: unknown backend")

	// ErrNoURL indicates a backend with no configured endpoint.
	ErrNoURL = errors.New("backend: no URL configured")
)

// ConnectionError reports a failure to reach or keep a backend connection.
type ConnectionError struct {
	Backend    Kind
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend: %s connection failed (HTTP %d): %v", e.Backend, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("backend: %s connection failed: %v", e.Backend, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}
