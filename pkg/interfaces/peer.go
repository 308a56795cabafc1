package interfaces

import (
	"net"

	"classlink/pkg/types"
)

// Peer is one live connection as seen by registries and handlers.
// Implementations must allow Send and Close from any goroutine.
type Peer interface {
	// ID returns the peer identity, empty until the handshake completes.
	ID() string

	// RemoteAddr returns the remote end of the connection.
	RemoteAddr() net.Addr

	// Send encodes and writes one envelope. A failure is reported to the
	// caller and never taken as fatal for the process.
	Send(env *types.Envelope) error

	// Close closes the connection. Safe to call more than once.
	Close() error
}

// PeerSender delivers envelopes to registered peers by identity.
type PeerSender interface {
	SendTo(peerID string, env *types.Envelope) error
	Broadcast(env *types.Envelope) int
}
