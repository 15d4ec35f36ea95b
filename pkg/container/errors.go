package container

import "errors"

var (
	// ErrNotFound is returned for an unknown container ID
	ErrNotFound = errors.New("container not found")

	// ErrAlreadyClosing is returned when closing a container that is CLOSING
	ErrAlreadyClosing = errors.New("container already closing")

	// ErrAlreadyClosed is returned when closing a QUASI_CLOSED or CLOSED container
	ErrAlreadyClosed = errors.New("container already closed")

	// ErrInvalidTransition is returned for a lifecycle move the state machine forbids
	ErrInvalidTransition = errors.New("invalid container state transition")

	// ErrSequenceFrozen is returned when advancing the sequence id of a
	// container that is no longer OPEN
	ErrSequenceFrozen = errors.New("container sequence id is frozen")

	// ErrDurability is returned when a metadata write could not be made
	// durable. The change it carried was not applied.
	ErrDurability = errors.New("container metadata not durable")
)
