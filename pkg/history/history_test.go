package history

import (
	"errors"
	"testing"

	"github.com/astromechza/whiteboard-sync/pkg/storage"
)

type mapApplier struct {
	m *storage.Map
}

func (a mapApplier) SetShape(r storage.Record) error {
	a.m.Set(r.ID, r)
	return nil
}

func (a mapApplier) DeleteShape(id string) error {
	a.m.Delete(id)
	return nil
}

func shape(fill string) *storage.Record {
	return &storage.Record{
		ID:       "s1",
		Type:     "rect",
		Geometry: map[string]float64{"x": 0, "y": 0, "w": 10, "h": 10},
		Style:    map[string]string{storage.StyleFill: fill},
	}
}

func TestUndoRedoCreate(t *testing.T) {
	m := storage.NewMap()
	a := mapApplier{m}
	h := New(0)

	created := shape("blue")
	m.Set("s1", *created)
	h.Record(Entry{Op: storage.OpCreate, ShapeID: "s1", After: created})

	if ok, err := h.Undo(a); !ok || err != nil {
		t.Fatalf("expected undo, got %v %v", ok, err)
	}
	if _, ok := m.Get("s1"); ok {
		t.Fatal("expected shape removed by undo")
	}
	if ok, err := h.Redo(a); !ok || err != nil {
		t.Fatalf("expected redo, got %v %v", ok, err)
	}
	got, ok := m.Get("s1")
	if !ok || !got.Equal(*created) {
		t.Fatalf("expected %+v restored, got %+v", created, got)
	}
}

func TestUndoUpdateAndDelete(t *testing.T) {
	m := storage.NewMap()
	a := mapApplier{m}
	h := New(0)

	blue, red := shape("blue"), shape("red")
	m.Set("s1", *red)
	h.Record(Entry{Op: storage.OpUpdate, ShapeID: "s1", Before: blue, After: red})
	m.Delete("s1")
	h.Record(Entry{Op: storage.OpDelete, ShapeID: "s1", Before: red})

	h.Undo(a)
	if got, _ := m.Get("s1"); got.Style[storage.StyleFill] != "red" {
		t.Fatalf("expected delete undone to red shape, got %+v", got)
	}
	h.Undo(a)
	if got, _ := m.Get("s1"); got.Style[storage.StyleFill] != "blue" {
		t.Fatalf("expected update undone to blue, got %+v", got)
	}
	if ok, _ := h.Undo(a); ok {
		t.Fatal("expected empty undo stack")
	}
	h.Redo(a)
	h.Redo(a)
	if _, ok := m.Get("s1"); ok {
		t.Fatal("expected redo of delete to remove the shape")
	}
}

func TestRecordClearsRedo(t *testing.T) {
	m := storage.NewMap()
	h := New(0)
	h.Record(Entry{Op: storage.OpCreate, ShapeID: "s1", After: shape("a")})
	h.Undo(mapApplier{m})
	if !h.CanRedo() {
		t.Fatal("expected redo available")
	}
	h.Record(Entry{Op: storage.OpCreate, ShapeID: "s2", After: shape("b")})
	if h.CanRedo() {
		t.Fatal("expected redo cleared by a new entry")
	}
}

func TestLimitDropsOldest(t *testing.T) {
	h := New(2)
	for _, id := range []string{"a", "b", "c"} {
		h.Record(Entry{Op: storage.OpCreate, ShapeID: id})
	}
	undo, _ := h.Len()
	if undo != 2 {
		t.Fatalf("expected 2 entries, got %d", undo)
	}

	var deleted []string
	a := recorder{deleted: &deleted}
	h.Undo(a)
	h.Undo(a)
	if len(deleted) != 2 || deleted[0] != "c" || deleted[1] != "b" {
		t.Fatalf("expected c then b undone, got %v", deleted)
	}
}

type recorder struct {
	deleted *[]string
}

func (r recorder) SetShape(storage.Record) error { return nil }

func (r recorder) DeleteShape(id string) error {
	*r.deleted = append(*r.deleted, id)
	return nil
}

type failingApplier struct{}

func (failingApplier) SetShape(storage.Record) error { return errors.New("outbox full") }
func (failingApplier) DeleteShape(string) error      { return errors.New("outbox full") }

func TestFailedUndoKeepsStacks(t *testing.T) {
	h := New(0)
	h.Record(Entry{Op: storage.OpCreate, ShapeID: "s1", After: shape("a")})

	ok, err := h.Undo(failingApplier{})
	if !ok || err == nil {
		t.Fatalf("expected a failed undo, got %v %v", ok, err)
	}
	if undo, redo := h.Len(); undo != 1 || redo != 0 {
		t.Fatalf("expected stacks untouched, got undo=%d redo=%d", undo, redo)
	}

	m := storage.NewMap()
	if ok, err := h.Undo(mapApplier{m}); !ok || err != nil {
		t.Fatalf("expected undo to succeed on retry, got %v %v", ok, err)
	}
	if ok, err := h.Redo(failingApplier{}); !ok || err == nil {
		t.Fatalf("expected a failed redo, got %v %v", ok, err)
	}
	if undo, redo := h.Len(); undo != 0 || redo != 1 {
		t.Fatalf("expected redo entry kept, got undo=%d redo=%d", undo, redo)
	}
}
