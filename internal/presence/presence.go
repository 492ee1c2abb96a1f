// Package presence maintains the directory of identities currently connected
// to the gateway.
package presence

import (
	"sort"
	"sync"

	"pulsechat/broker/internal/auth"
)

// Tracker maps live connection ids to their verified identities.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]auth.Identity
}

// NewTracker constructs an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]auth.Identity)}
}

// Register records the identity for a connection. It reports whether this is
// the identity's first live connection, which decides join notifications.
func (t *Tracker) Register(connID string, identity auth.Identity) bool {
	if t == nil || connID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	first := !t.identityPresentLocked(identity.ID)
	t.entries[connID] = identity
	return first
}

// Remove drops the connection and reports whether the identity has no live
// connections left.
func (t *Tracker) Remove(connID string) (auth.Identity, bool) {
	if t == nil {
		return auth.Identity{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	identity, ok := t.entries[connID]
	if !ok {
		return auth.Identity{}, false
	}
	delete(t.entries, connID)
	return identity, !t.identityPresentLocked(identity.ID)
}

// Lookup returns the identity attached to a connection.
func (t *Tracker) Lookup(connID string) (auth.Identity, bool) {
	if t == nil {
		return auth.Identity{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	identity, ok := t.entries[connID]
	return identity, ok
}

// Roster returns the distinct online identities sorted by id. The snapshot is
// what a newly joined connection receives as its onlineUsers event.
func (t *Tracker) Roster() []auth.Identity {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]auth.Identity, len(t.entries))
	for _, identity := range t.entries {
		seen[identity.ID] = identity
	}
	roster := make([]auth.Identity, 0, len(seen))
	for _, identity := range seen {
		roster = append(roster, identity)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster
}

// Count reports how many live connections are tracked.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Tracker) identityPresentLocked(identityID string) bool {
	for _, identity := range t.entries {
		if identity.ID == identityID {
			return true
		}
	}
	return false
}
