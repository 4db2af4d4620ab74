package domain

import "errors"

// Sentinel errors for the chat core. They are surfaced to the caller as-is
// (possibly wrapped) and are never retried by the core.
var (
	ErrEmptyMessage         = errors.New("message is empty")
	ErrUnauthenticated      = errors.New("sign in to send messages")
	ErrSubscriptionRequired = errors.New("subscription required")
	ErrPersistFailed        = errors.New("message could not be saved")
	ErrTransportUnavailable = errors.New("live transport unavailable")

	// ErrInvalidRoom is returned for a room id that does not name a
	// country and a topic.
	ErrInvalidRoom = errors.New("invalid room")

	// ErrMalformedPayload is returned when a store record or transport
	// event fails validation at the boundary.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrSessionClosed is returned by an open that was cancelled by a
	// room switch or close.
	ErrSessionClosed = errors.New("room session closed")
)
