package types

import "errors"

// Sentinel errors shared across the room, bridge, session, and dispatch
// packages. Callers match with errors.Is; wrapped variants carry context.
var (
	// ErrInvalidRoomName is returned when a room name is empty, too long,
	// or contains characters outside [A-Za-z0-9_-].
	ErrInvalidRoomName = errors.New("invalid room name")

	// ErrBrokerUnavailable is returned by publish while the broker
	// connection is down. Publishes fail fast; nothing is buffered.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrPayloadTooLarge is returned for messages over MaxPayloadBytes.
	// The message is dropped; the connection stays open.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInvalidEncoding is returned for payloads that are not valid UTF-8.
	ErrInvalidEncoding = errors.New("payload is not valid UTF-8")

	// ErrTransportError marks a failed forward to one connection during
	// fan-out. Only that connection is closed.
	ErrTransportError = errors.New("transport error")

	// ErrSessionClosed is returned when an operation reaches a session
	// that has already left the OPEN state.
	ErrSessionClosed = errors.New("session closed")
)
