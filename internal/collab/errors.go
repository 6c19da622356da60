package collab

import "errors"

var (
	// ErrMalformedMessage marks client frames that are not valid envelopes.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrHubStopped is returned when the hub has shut down.
	ErrHubStopped = errors.New("hub stopped")
)
