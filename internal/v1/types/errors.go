package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to clients. Each maps to a distinct wire-level code
// in the transport layer.
var (
	// ErrInvalidState signals a violated precondition (restricted user,
	// already in a room, settings change during play, modified beatmap, ...).
	ErrInvalidState = errors.New("the requested operation is not valid in the current state")

	// ErrNotHost signals an operation restricted to the room host.
	ErrNotHost = errors.New("operation requires the room host")

	// ErrNotJoinedRoom signals that the caller has no active room session.
	ErrNotJoinedRoom = errors.New("user is not joined to a room")

	// ErrInvalidOperation signals an internal consistency failure.
	ErrInvalidOperation = errors.New("internal consistency failure")
)

// InvalidStateChangeError reports an illegal per-user state transition
// requested by a client.
type InvalidStateChangeError struct {
	From UserState
	To   UserState
}

func (e InvalidStateChangeError) Error() string {
	return fmt.Sprintf("cannot change user state from %s to %s", e.From, e.To)
}
