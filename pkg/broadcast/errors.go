package broadcast

import "errors"

var (
	// ErrBroadcasterClosed is returned by Broadcast after Close.
	ErrBroadcasterClosed = errors.New("broadcast: broadcaster is closed")

	// ErrEncode is returned when a message cannot be serialized for the wire.
	ErrEncode = errors.New("broadcast: failed to encode message")

	// ErrPublish wraps transport failures of remote broadcasters.
	ErrPublish = errors.New("broadcast: failed to publish message")
)
