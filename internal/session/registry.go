// ABOUTME: Registry of live wire sessions keyed by connection id
// ABOUTME: Duplicate inserts are no-ops so racing starts never leak clients

package session

import (
	"sync"

	"github.com/hublia/routeflow/internal/wire"
)

// Session is one live connection to the external network.
type Session struct {
	ConnectionID int64
	TenantID     int64
	Client       wire.Client
}

// Registry holds the live sessions. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*Session)}
}

// Add inserts a session. Returns false without replacing when one already
// exists for the connection; the caller must close the loser's client.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ConnectionID]; exists {
		return false
	}
	r.sessions[s.ConnectionID] = s
	return true
}

// Get returns the session for a connection, or nil.
func (r *Registry) Get(connectionID int64) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[connectionID]
}

// Remove drops a session, returning it for cleanup. Nil when absent.
func (r *Registry) Remove(connectionID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[connectionID]
	delete(r.sessions, connectionID)
	return s
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
