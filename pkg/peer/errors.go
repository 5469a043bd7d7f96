package peer

import (
	"errors"
	"fmt"
)

// Sentinel errors for the peer package.
var (
	// ErrClosed indicates the gateway or connection is closed.
	ErrClosed = errors.New("peer: closed")

	// ErrNotReady indicates the audio or control channel is not open yet.
	ErrNotReady = errors.New("peer: channel not open")

	// ErrInvalidRole indicates an unknown peer role.
	ErrInvalidRole = errors.New("peer: invalid role")

	// ErrUnknownPeer indicates a peer id that is not connected.
	ErrUnknownPeer = errors.New("peer: unknown peer")

	// ErrTooManyPeers indicates the session is at its peer limit.
	ErrTooManyPeers = errors.New("peer: too many peers")

	// ErrRoleConflict matches any *RoleConflictError.
	ErrRoleConflict = errors.New("peer: role conflict")
)

// RoleConflictError is returned when a second primary tries to join.
type RoleConflictError struct {
	Role         Role
	ExistingPeer string
}

// Error implements the error interface.
func (e *RoleConflictError) Error() string {
	if e.ExistingPeer == "" {
		return fmt.Sprintf("peer: a %s peer is already joining", e.Role)
	}
	return fmt.Sprintf("peer: %s role already held by %s", e.Role, e.ExistingPeer)
}

// Is reports whether target is ErrRoleConflict.
func (e *RoleConflictError) Is(target error) bool {
	return target == ErrRoleConflict
}
