// README: Presence registry mapping connected parties to transport sessions.
package presence

import (
	"errors"
	"sync"

	"eats/internal/types"
)

// ErrNotConnected means the party has no live session.
var ErrNotConnected = errors.New("party not connected")

type Role string

const (
	RoleCustomer   Role = "customer"
	RoleDriver     Role = "driver"
	RoleRestaurant Role = "restaurant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleDriver, RoleRestaurant:
		return true
	}
	return false
}

// Party identifies one logical participant. The same id may exist under several roles.
type Party struct {
	ID   types.ID
	Role Role
}

type SessionID string

// Registry holds at most one session per party. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Party]SessionID
	parties  map[SessionID]Party
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[Party]SessionID),
		parties:  make(map[SessionID]Party),
	}
}

// Connect maps the party to session. If the party already had a different
// session, that session is forgotten and returned as superseded.
func (r *Registry) Connect(p Party, session SessionID) (superseded SessionID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.sessions[p]; exists && prev != session {
		delete(r.parties, prev)
		superseded, ok = prev, true
	}
	if other, exists := r.parties[session]; exists && other != p {
		delete(r.sessions, other)
	}
	r.sessions[p] = session
	r.parties[session] = p
	return superseded, ok
}

// Disconnect removes the session. The party mapping is dropped only if it
// still points at this session, so a late disconnect never evicts a reconnect.
func (r *Registry) Disconnect(session SessionID) (Party, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.parties[session]
	if !ok {
		return Party{}, false
	}
	delete(r.parties, session)
	if r.sessions[p] == session {
		delete(r.sessions, p)
	}
	return p, true
}

func (r *Registry) SessionFor(p Party) (SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[p]
	return s, ok
}

func (r *Registry) PartyFor(session SessionID) (Party, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parties[session]
	return p, ok
}

func (r *Registry) IsOnline(p Party) bool {
	_, ok := r.SessionFor(p)
	return ok
}

// Online returns the ids of every connected party with the given role.
func (r *Registry) Online(role Role) []types.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []types.ID
	for p := range r.sessions {
		if p.Role == role {
			ids = append(ids, p.ID)
		}
	}
	types.SortIDs(ids)
	return ids
}
