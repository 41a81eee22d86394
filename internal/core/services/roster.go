package services

import (
	"sort"
	"sync"
	"time"

	"meshchat/internal/core/domain"
)

// Roster caches the profiles received from remote peers. Remote-owned fields
// are replaced wholesale on every profile-info; the local-only unread flag
// survives replacement.
type Roster struct {
	mu      sync.RWMutex
	entries map[domain.PeerID]*domain.RosterEntry
}

func NewRoster() *Roster {
	return &Roster{entries: make(map[domain.PeerID]*domain.RosterEntry)}
}

// Upsert inserts an unseen profile or replaces the cached copy of a known
// one.
func (r *Roster) Upsert(p domain.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[p.ID]
	if !ok {
		r.entries[p.ID] = &domain.RosterEntry{Profile: p, LastSeen: time.Now()}
		return
	}
	entry.Profile = p
	entry.LastSeen = time.Now()
}

// SetOffline flips the cached online flag when a peer's channel closes.
func (r *Roster) SetOffline(id domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[id]; ok {
		entry.Profile.Online = false
	}
}

func (r *Roster) MarkUnread(id domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[id]; ok {
		entry.Unread = true
	}
}

func (r *Roster) MarkRead(id domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[id]; ok {
		entry.Unread = false
	}
}

func (r *Roster) Get(id domain.PeerID) (domain.RosterEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return domain.RosterEntry{}, false
	}
	return *entry, true
}

// List returns the roster ordered by peer id.
func (r *Roster) List() []domain.RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.RosterEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile.ID < out[j].Profile.ID })
	return out
}
