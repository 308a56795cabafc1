package peer

import "errors"

// Session errors
var (
	ErrSessionClosed = errors.New("session closed")
	ErrNilEnvelope   = errors.New("envelope cannot be nil")
)

// Registry errors
var (
	ErrNilPeer      = errors.New("peer cannot be nil")
	ErrPeerNotFound = errors.New("peer not found")
)
