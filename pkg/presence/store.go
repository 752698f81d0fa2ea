package presence

import (
	"sort"
	"sync"
)

// Change is emitted for every presence write. A nil Presence means the connection has gone.
type Change struct {
	ConnectionID string
	Presence     *Presence
}

// Store holds the presence of every connection in a room. Listeners are called synchronously, in write order, while
// the store is locked, so they must not call back into the store.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]Presence
	listeners map[int]func(Change)
	nextID    int
}

func NewStore() *Store {
	return &Store{
		entries:   make(map[string]Presence),
		listeners: make(map[int]func(Change)),
	}
}

// Set merges u into the presence of connID and returns the result.
func (s *Store) Set(connID string, u Update) Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := s.entries[connID].Merge(u)
	s.entries[connID] = merged
	s.notify(connID, &merged)
	return merged.Clone()
}

// Put replaces the presence of connID.
func (s *Store) Put(connID string, p Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = p.Clone()
	s.entries[connID] = p
	s.notify(connID, &p)
}

func (s *Store) Get(connID string) (Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.entries[connID]
	return p.Clone(), ok
}

func (s *Store) All() map[string]Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Presence, len(s.entries))
	for id, p := range s.entries {
		out[id] = p.Clone()
	}
	return out
}

// IDs returns the connection ids in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Remove drops connID and reports whether it was present.
func (s *Store) Remove(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[connID]; !ok {
		return false
	}
	delete(s.entries, connID)
	s.notify(connID, nil)
	return true
}

// Reset drops every entry without notifying.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Presence)
}

func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notify(connID string, p *Presence) {
	for _, fn := range s.listeners {
		var out *Presence
		if p != nil {
			c := p.Clone()
			out = &c
		}
		fn(Change{ConnectionID: connID, Presence: out})
	}
}
