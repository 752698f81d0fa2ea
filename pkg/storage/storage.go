package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrInvalidMutation = errors.New("invalid mutation")

type Op string

const (
	// OpCreate creates the record or overwrites it entirely.
	OpCreate Op = "create"
	// OpUpdate merges a partial record into an existing one.
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Mutation is a write request from a connection.
type Mutation struct {
	Op      Op      `json:"op"`
	ShapeID string  `json:"shapeId"`
	Record  *Record `json:"record,omitempty"`
}

// Change is the outcome of a successful mutation. A nil Record means the shape was deleted.
type Change struct {
	ShapeID string  `json:"shapeId"`
	Record  *Record `json:"record"`
}

// Map is an in-memory shape-id to record mapping. Writes always win over whatever was there before; there is no
// staleness check. Listeners run synchronously in write order while the map is locked and must not call back into it.
type Map struct {
	mu        sync.RWMutex
	records   map[string]Record
	listeners map[int]func(Change)
	nextID    int
}

func NewMap() *Map {
	return &Map{
		records:   make(map[string]Record),
		listeners: make(map[int]func(Change)),
	}
}

func (m *Map) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// Set creates or fully overwrites the record stored under id.
func (m *Map) Set(id string, r Record) Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(id, r)
}

// Update merges patch into the record stored under id. It reports false when there is no such record.
func (m *Map) Update(id string, patch Record) (Change, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[id]
	if !ok {
		return Change{}, false
	}
	return m.setLocked(id, current.Merge(patch)), true
}

// Delete removes id and reports whether it existed.
func (m *Map) Delete(id string) (Change, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return Change{}, false
	}
	delete(m.records, id)
	c := Change{ShapeID: id}
	m.notify(c)
	return c, true
}

// Apply runs a mutation. Anything that cannot be applied returns ErrInvalidMutation and leaves the map untouched.
func (m *Map) Apply(mut Mutation) (Change, error) {
	if mut.ShapeID == "" {
		return Change{}, fmt.Errorf("%w: missing shape id", ErrInvalidMutation)
	}
	switch mut.Op {
	case OpCreate:
		if mut.Record == nil {
			return Change{}, fmt.Errorf("%w: create %s without a record", ErrInvalidMutation, mut.ShapeID)
		}
		return m.Set(mut.ShapeID, *mut.Record), nil
	case OpUpdate:
		if mut.Record == nil {
			return Change{}, fmt.Errorf("%w: update %s without a record", ErrInvalidMutation, mut.ShapeID)
		}
		if c, ok := m.Update(mut.ShapeID, *mut.Record); ok {
			return c, nil
		}
		return Change{}, fmt.Errorf("%w: update of unknown shape %s", ErrInvalidMutation, mut.ShapeID)
	case OpDelete:
		if c, ok := m.Delete(mut.ShapeID); ok {
			return c, nil
		}
		return Change{}, fmt.Errorf("%w: delete of unknown shape %s", ErrInvalidMutation, mut.ShapeID)
	default:
		return Change{}, fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, mut.Op)
	}
}

// Snapshot returns a deep copy of every record.
func (m *Map) Snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Record, len(m.records))
	for id, r := range m.records {
		out[id] = r.Clone()
	}
	return out
}

// Replace swaps the whole content for snapshot without notifying listeners. Replicas use it when a fresh snapshot
// arrives from the room.
func (m *Map) Replace(snapshot map[string]Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]Record, len(snapshot))
	for id, r := range snapshot {
		r = r.Clone()
		r.ID = id
		m.records[id] = r
	}
}

// IDs returns every shape id in sorted order.
func (m *Map) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.records))
	for id := range m.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Map) Subscribe(fn func(Change)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Map) setLocked(id string, r Record) Change {
	r = r.Clone()
	r.ID = id
	m.records[id] = r
	c := Change{ShapeID: id, Record: &r}
	m.notify(c)
	return Change{ShapeID: id, Record: clonePtr(&r)}
}

func (m *Map) notify(c Change) {
	for _, fn := range m.listeners {
		fn(Change{ShapeID: c.ShapeID, Record: clonePtr(c.Record)})
	}
}
