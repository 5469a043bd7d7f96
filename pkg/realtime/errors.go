package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors for the realtime package.
var (
	// ErrMissingAPIKey indicates the API key was not provided.
	ErrMissingAPIKey = errors.New("realtime: API key is required")

	// ErrNotConnected indicates the client is not connected.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrAlreadyConnected indicates Connect was called twice.
	ErrAlreadyConnected = errors.New("realtime: already connected")

	// ErrClosed indicates the client has been closed.
	ErrClosed = errors.New("realtime: closed")

	// ErrSessionNotConfigured indicates ConfigureSession was not called.
	ErrSessionNotConfigured = errors.New("realtime: session not configured")

	// ErrInvalidOptions indicates rejected session options.
	ErrInvalidOptions = errors.New("realtime: invalid session options")

	// ErrUnknownCall indicates a function result for a call that is not
	// outstanding, or one that was already answered.
	ErrUnknownCall = errors.New("realtime: unknown or already answered call")

	// ErrReconnectExhausted indicates every reconnection attempt failed.
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")
)

// AuthError is returned when the credential exchange fails.
type AuthError struct {
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("realtime: auth failed (HTTP %d): %s", e.StatusCode, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("realtime: auth failed: %s: %v", e.Message, e.Cause)
	default:
		return fmt.Sprintf("realtime: auth failed: %s", e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// NegotiationError is returned when the session description exchange fails.
type NegotiationError struct {
	// Stage names the failing step: offer, exchange, answer, connect.
	Stage      string
	StatusCode int
	Cause      error
}

// Error implements the error interface.
func (e *NegotiationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("realtime: negotiation failed at %s (HTTP %d): %v", e.Stage, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("realtime: negotiation failed at %s: %v", e.Stage, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *NegotiationError) Unwrap() error {
	return e.Cause
}

// APIError is an error event reported by the speech model.
type APIError struct {
	Code    string
	Message string
	Type    string
	EventID string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: API error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("realtime: API error: %s", e.Message)
}

// ConnectionError represents a transport failure.
type ConnectionError struct {
	Reason    string
	Cause     error
	Retryable bool
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("realtime: connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("realtime: connection error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(reason string, cause error, retryable bool) *ConnectionError {
	return &ConnectionError{Reason: reason, Cause: cause, Retryable: retryable}
}

// IsFatal reports whether err means no session can exist: failed
// authentication or negotiation, or exhausted reconnection.
func IsFatal(err error) bool {
	var authErr *AuthError
	var negErr *NegotiationError
	return errors.As(err, &authErr) || errors.As(err, &negErr) || errors.Is(err, ErrReconnectExhausted)
}

// IsRetryable reports whether a reconnect attempt may succeed after err.
// A ConnectionError anywhere in the chain decides, so an auth exchange
// that never reached the server is retried while a 4xx rejection is not.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Retryable
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.StatusCode == 429 || authErr.StatusCode >= 500
	}
	var negErr *NegotiationError
	if errors.As(err, &negErr) {
		return negErr.StatusCode == 0 || negErr.StatusCode == 429 || negErr.StatusCode >= 500
	}
	return false
}

// IsNotConnected returns true if the error indicates no connection.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed)
}
