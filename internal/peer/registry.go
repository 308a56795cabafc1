package peer

import (
	"fmt"
	"sort"
	"sync"

	"classlink/internal/logging"
	"classlink/pkg/interfaces"
	"classlink/pkg/types"
)

// Registry maps peer identities to live peers. Every method is safe for
// concurrent use from receive loops and the control goroutine.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]interfaces.Peer
	logger logging.Logger
}

func NewRegistry(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		peers:  make(map[string]interfaces.Peer),
		logger: logger,
	}
}

// Register stores p under id and returns the peer it replaced, if any.
// A replaced session is marked superseded and closed asynchronously, so
// its own teardown stays silent and cannot unregister p.
func (r *Registry) Register(id string, p interfaces.Peer) (interfaces.Peer, error) {
	if p == nil {
		return nil, ErrNilPeer
	}
	if !types.IsValidPeerID(id) {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidPeerID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous, exists := r.peers[id]
	r.peers[id] = p
	if !exists || previous == p {
		return nil, nil
	}

	if s, ok := previous.(*Session); ok {
		s.markSuperseded()
	}
	go func() {
		if err := previous.Close(); err != nil {
			r.logger.Debug("closing superseded peer", "peer_id", id, "error", err)
		}
	}()
	return previous, nil
}

// RegisterGenerated stores p under a fresh id drawn from gen. The id is
// chosen while the lock is held, so it is distinct from every id
// registered at that moment.
func (r *Registry) RegisterGenerated(p interfaces.Peer, gen func() string) (string, error) {
	if p == nil {
		return "", ErrNilPeer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		id := gen()
		if !types.IsValidPeerID(id) {
			return "", fmt.Errorf("%w: generated %q", types.ErrInvalidPeerID, id)
		}
		if _, taken := r.peers[id]; taken {
			continue
		}
		r.peers[id] = p
		return id, nil
	}
}

// Unregister removes id only while it still maps to p. It reports
// whether anything was removed.
func (r *Registry) Unregister(id string, p interfaces.Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.peers[id]
	if !exists || registered != p {
		return false
	}
	delete(r.peers, id)
	return true
}

// Remove deletes id regardless of which peer holds it.
func (r *Registry) Remove(id string) (interfaces.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.peers[id]
	if exists {
		delete(r.peers, id)
	}
	return p, exists
}

func (r *Registry) Get(id string) (interfaces.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.peers[id]
	return p, exists
}

// IDs returns the registered identities in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Peers returns a snapshot of the registered peers keyed by identity.
func (r *Registry) Peers() map[string]interfaces.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]interfaces.Peer, len(r.peers))
	for id, p := range r.peers {
		snapshot[id] = p
	}
	return snapshot
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// SendTo delivers env to one peer. An unknown id yields ErrPeerNotFound.
func (r *Registry) SendTo(id string, env *types.Envelope) error {
	p, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return p.Send(env)
}

// Broadcast sends env to a snapshot of all peers and returns how many
// sends succeeded. A peer whose send fails is unregistered and closed;
// delivery to the others continues.
func (r *Registry) Broadcast(env *types.Envelope) int {
	delivered := 0
	for id, p := range r.Peers() {
		if err := p.Send(env); err != nil {
			r.logger.Warn("broadcast send failed, dropping peer",
				"peer_id", id, "type", env.Type, "error", err)
			if r.Unregister(id, p) {
				p.Close()
			}
			continue
		}
		delivered++
	}
	return delivered
}

// Clear empties the registry and returns what it held.
func (r *Registry) Clear() []interfaces.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]interfaces.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[string]interfaces.Peer)
	return peers
}

// Stats returns registry statistics for monitoring.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_peers": len(r.peers),
	}
}
