package history

import (
	"fmt"
	"sync"

	"github.com/astromechza/whiteboard-sync/pkg/storage"
)

const DefaultLimit = 300

// Entry describes one local shape mutation. Before is nil for a create and After is nil for a delete.
type Entry struct {
	Op      storage.Op
	ShapeID string
	Before  *storage.Record
	After   *storage.Record
}

// Applier issues shape writes without recording them again. A failed write leaves the stacks untouched.
type Applier interface {
	SetShape(r storage.Record) error
	DeleteShape(id string) error
}

// History is the undo and redo stacks of a single client. Entries are never shared with other clients.
type History struct {
	mu    sync.Mutex
	limit int
	undo  []Entry
	redo  []Entry
}

func New(limit int) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &History{limit: limit}
}

// Record pushes e and clears the redo stack.
func (h *History) Record(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undo = push(h.undo, e, h.limit)
	h.redo = nil
}

// Undo reverts the most recent entry and reports whether there was one.
func (h *History) Undo(a Applier) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.undo) == 0 {
		return false, nil
	}
	e := h.undo[len(h.undo)-1]
	if err := apply(a, e.ShapeID, e.Before); err != nil {
		return true, fmt.Errorf("failed to undo %s of %s: %w", e.Op, e.ShapeID, err)
	}
	pop(&h.undo)
	h.redo = push(h.redo, e, h.limit)
	return true, nil
}

// Redo re-applies the most recently undone entry and reports whether there was one.
func (h *History) Redo(a Applier) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.redo) == 0 {
		return false, nil
	}
	e := h.redo[len(h.redo)-1]
	if err := apply(a, e.ShapeID, e.After); err != nil {
		return true, fmt.Errorf("failed to redo %s of %s: %w", e.Op, e.ShapeID, err)
	}
	pop(&h.redo)
	h.undo = push(h.undo, e, h.limit)
	return true, nil
}

func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo) > 0
}

func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.redo) > 0
}

// Len returns the depth of the undo and redo stacks.
func (h *History) Len() (undo, redo int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo), len(h.redo)
}

func apply(a Applier, id string, r *storage.Record) error {
	if r == nil {
		return a.DeleteShape(id)
	}
	c := r.Clone()
	c.ID = id
	return a.SetShape(c)
}

func push(stack []Entry, e Entry, limit int) []Entry {
	stack = append(stack, e)
	if over := len(stack) - limit; over > 0 {
		clear(stack[:over])
		stack = stack[over:]
	}
	return stack
}

func pop(stack *[]Entry) (Entry, bool) {
	s := *stack
	if len(s) == 0 {
		return Entry{}, false
	}
	e := s[len(s)-1]
	*stack = s[:len(s)-1]
	return e, true
}
