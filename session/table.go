package session

import (
	"errors"
	"sync"
)

// ErrDuplicateSession is returned when adding an id that already exists.
var ErrDuplicateSession = errors.New("session already exists")

// Table maps session ids to live sessions. It is safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byConn   map[string]map[string]struct{}
}

// NewTable constructs an empty table.
func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*Session),
		byConn:   make(map[string]map[string]struct{}),
	}
}

// Add inserts s.
func (t *Table) Add(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[s.ID]; ok {
		return ErrDuplicateSession
	}
	t.sessions[s.ID] = s
	if s.ConnID != "" {
		ids, ok := t.byConn[s.ConnID]
		if !ok {
			ids = make(map[string]struct{})
			t.byConn[s.ConnID] = ids
		}
		ids[s.ID] = struct{}{}
	}
	return nil
}

// Get returns the session with id.
func (t *Table) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// FindByConn returns the active session opened on connID for principalID.
func (t *Table) FindByConn(connID, principalID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id := range t.byConn[connID] {
		s := t.sessions[id]
		if s != nil && s.Principal.ID == principalID && s.State() == StateActive {
			return s, true
		}
	}
	return nil, false
}

// Remove deletes and returns the session with id.
func (t *Table) Remove(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(id)
}

func (t *Table) removeLocked(id string) (*Session, bool) {
	s, ok := t.sessions[id]
	if !ok {
		return nil, false
	}
	delete(t.sessions, id)
	if ids := t.byConn[s.ConnID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(t.byConn, s.ConnID)
		}
	}
	return s, true
}

// RemoveConn deletes and returns every session opened on connID.
func (t *Table) RemoveConn(connID string) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []*Session
	for id := range t.byConn[connID] {
		if s, ok := t.removeLocked(id); ok {
			removed = append(removed, s)
		}
	}
	return removed
}

// Len returns the number of sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// List returns a snapshot of all sessions.
func (t *Table) List() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
