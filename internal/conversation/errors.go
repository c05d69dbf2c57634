package conversation

import "errors"

var (
	// ErrNotConnected is returned when sending to a peer without a completed handshake.
	ErrNotConnected = errors.New("peer not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator closed")
)
