package signal

import (
	"sort"
	"sync"

	"meshchat/internal/core/domain"
)

// ClientConn is the write side of one device's relay connection. Implemented
// by peerConn over a gorilla websocket; faked in tests.
type ClientConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Registry owns the peer-id to connection mapping. All reads and
// read-modify-writes go through it; the raw map is never exposed.
// Re-registration is last-writer-wins: the previous connection is returned
// to the caller for closing.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.PeerID]ClientConn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.PeerID]ClientConn)}
}

// Register records id -> conn. When id was already registered on another
// connection, that connection is evicted and returned.
func (r *Registry) Register(id domain.PeerID, conn ClientConn) (evicted ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.conns[id]
	r.conns[id] = conn
	if ok && prev != conn {
		return prev
	}
	return nil
}

// Lookup returns the connection currently registered for id.
func (r *Registry) Lookup(id domain.PeerID) (ClientConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Remove drops the mapping for id, but only while it still points at conn.
// A connection evicted by a later registration must not tear down its
// successor's entry.
func (r *Registry) Remove(id domain.PeerID, conn ClientConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[id]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, id)
	return true
}

// Peers returns the currently registered peer ids, sorted for stable
// broadcasts and health output.
func (r *Registry) Peers() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.PeerID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Connections returns a snapshot of every registered connection, used for
// broadcasts. Writes happen outside the registry lock.
func (r *Registry) Connections() map[domain.PeerID]ClientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[domain.PeerID]ClientConn, len(r.conns))
	for id, conn := range r.conns {
		snapshot[id] = conn
	}
	return snapshot
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
