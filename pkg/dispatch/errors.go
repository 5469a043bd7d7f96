package dispatch

import (
	"errors"
	"fmt"

	"github.com/teslashibe/voicebridge/pkg/backend"
)

var (
	// ErrToolTimeout indicates a delegated call saw no task result in time.
	ErrToolTimeout = errors.New("dispatch: tool call timed out")

	// ErrClosed indicates the dispatcher has been closed.
	ErrClosed = errors.New("dispatch: closed")

	// ErrBackendDisabled indicates a backend not enabled for the session.
	ErrBackendDisabled = errors.New("dispatch: backend not enabled for this session")

	// ErrBusy indicates the dispatch queue is full.
	ErrBusy = errors.New("dispatch: queue full")
)

// BackendUnavailableError reports that a tool's backend could not be
// reached. It degrades that tool only.
type BackendUnavailableError struct {
	Backend backend.Kind
	Cause   error
}

// Error implements the error interface.
func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("dispatch: backend %s unavailable: %v", e.Backend, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *BackendUnavailableError) Unwrap() error {
	return e.Cause
}
