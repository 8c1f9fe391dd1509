package gateway

import (
	"sync"

	"go.uber.org/zap"
)

// Registry tracks live connections, indexed by connection ID and by the
// user they identified as. The two maps move in lock-step under one mutex:
// a connection present in users is always present in conns.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	users  map[string]map[string]*Conn
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		users:  make(map[string]map[string]*Conn),
		logger: logger,
	}
}

// Add registers a connection that has not yet identified. It appears in
// conns only; Bind adds the user index entry after a successful handshake.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// Bind indexes an identified connection under its user ID. It returns false
// when the connection was already removed, in which case the caller must
// abandon the handshake: the user index never references a dead connection.
func (r *Registry) Bind(c *Conn, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID]; !ok {
		return false
	}
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]*Conn)
		r.users[userID] = set
	}
	set[c.ID] = c
	return true
}

// Remove drops a connection from both indexes and returns it, or nil when
// it was already gone. Safe to call more than once per connection.
func (r *Registry) Remove(connID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)

	if userID := c.UserID(); userID != "" {
		if set, ok := r.users[userID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.users, userID)
			}
		}
	}
	return c
}

// ForUser returns a snapshot of the user's identified connections.
func (r *Registry) ForUser(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Snapshot returns every registered connection, identified or not.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) LenForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}
