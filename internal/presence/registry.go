// Package presence tracks which users are connected to this server and
// pushes friend online/offline views to their connections.
package presence

import "sync"

// Registry maps user IDs to the set of live connection IDs owned by that
// user. A user key exists only while its connection set is non-empty.
type Registry interface {
	// Register adds connID to userID and reports whether it is the user's
	// first live connection.
	Register(userID, connID string) (first bool)
	// Unregister removes connID wherever it is registered. It returns the
	// owning user and whether that was the user's last connection.
	Unregister(connID string) (userID string, last bool)
	ConnectionsFor(userID string) []string
	IsOnline(userID string) bool
	UserFor(connID string) (string, bool)
	OnlineCount() int
}

// MemoryRegistry is the in-process Registry. It keeps an explicit reverse
// index (connection -> user) so Unregister never scans the user map.
type MemoryRegistry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{} // user_id -> set of conn_id
	byConn map[string]string              // conn_id -> user_id
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byUser: make(map[string]map[string]struct{}),
		byConn: make(map[string]string),
	}
}

// Register adds connID to userID's set. Registering the same pair twice is a
// no-op; registering connID under a new user moves it. The first result is
// computed under the write lock, so a concurrent Unregister of the user's
// last connection cannot slip between the check and the insert.
func (r *MemoryRegistry) Register(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok {
		if prev == userID {
			return false
		}
		r.removeLocked(prev, connID)
	}

	set := r.byUser[userID]
	first := set == nil
	if first {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[connID] = struct{}{}
	r.byConn[connID] = userID
	return first
}

// Unregister removes connID and prunes the owner's entry if it empties.
// Unknown connection IDs return ("", false).
func (r *MemoryRegistry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	return userID, r.removeLocked(userID, connID)
}

// removeLocked deletes the pair and reports whether the user went offline.
// Callers must hold r.mu for writing.
func (r *MemoryRegistry) removeLocked(userID, connID string) bool {
	delete(r.byConn, connID)

	set, ok := r.byUser[userID]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// ConnectionsFor returns a snapshot of userID's connections. It never
// returns nil.
func (r *MemoryRegistry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// IsOnline reports whether userID has at least one live connection.
func (r *MemoryRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	_, ok := r.byUser[userID]
	r.mu.RUnlock()
	return ok
}

// UserFor returns the user registered on connID.
func (r *MemoryRegistry) UserFor(connID string) (string, bool) {
	r.mu.RLock()
	userID, ok := r.byConn[connID]
	r.mu.RUnlock()
	return userID, ok
}

// OnlineCount returns the number of users with at least one connection.
func (r *MemoryRegistry) OnlineCount() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
