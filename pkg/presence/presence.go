package presence

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Point is a position on the canvas, relative to its top left corner.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is the live, per-connection state every other connection can see. A nil field is absent.
type Presence struct {
	Cursor      *Point  `json:"cursor"`
	CursorColor *string `json:"cursorColor"`
	EditingText *string `json:"editingText"`
	Message     *string `json:"message"`
}

// Field is one attribute of a partial presence update. The zero Field leaves the current value alone, a Field
// holding nil clears it and a Field holding a value replaces it.
type Field[T any] struct {
	set   bool
	value *T
}

func Value[T any](v T) Field[T] {
	return Field[T]{set: true, value: &v}
}

func Clear[T any]() Field[T] {
	return Field[T]{set: true}
}

// IsSet reports whether the update touches this field at all.
func (f Field[T]) IsSet() bool {
	return f.set
}

// Get returns the new value, ok is false when the update clears the field or does not touch it.
func (f Field[T]) Get() (T, bool) {
	if f.value == nil {
		var zero T
		return zero, false
	}
	return *f.value, true
}

// IsZero lets `omitzero` drop untouched fields when encoding.
func (f Field[T]) IsZero() bool {
	return !f.set
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*f.value)
}

func (f *Field[T]) UnmarshalJSON(raw []byte) error {
	f.set = true
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		f.value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("failed to decode presence field: %w", err)
	}
	f.value = &v
	return nil
}

func (f Field[T]) merge(current *T) *T {
	if !f.set {
		return current
	}
	if f.value == nil {
		return nil
	}
	v := *f.value
	return &v
}

// Update is a partial presence. Keys missing from the JSON form keep their prior value and keys set to null are
// cleared.
type Update struct {
	Cursor      Field[Point]  `json:"cursor,omitzero"`
	CursorColor Field[string] `json:"cursorColor,omitzero"`
	EditingText Field[string] `json:"editingText,omitzero"`
	Message     Field[string] `json:"message,omitzero"`
}

// Empty reports whether the update would change nothing.
func (u Update) Empty() bool {
	return !u.Cursor.IsSet() && !u.CursorColor.IsSet() && !u.EditingText.IsSet() && !u.Message.IsSet()
}

// Merge returns p with u applied field by field. Applying the same update twice gives the same result.
func (p Presence) Merge(u Update) Presence {
	return Presence{
		Cursor:      u.Cursor.merge(p.Cursor),
		CursorColor: u.CursorColor.merge(p.CursorColor),
		EditingText: u.EditingText.merge(p.EditingText),
		Message:     u.Message.merge(p.Message),
	}
}

// Clone returns a copy that shares no pointers with p.
func (p Presence) Clone() Presence {
	return Presence{
		Cursor:      clonePtr(p.Cursor),
		CursorColor: clonePtr(p.CursorColor),
		EditingText: clonePtr(p.EditingText),
		Message:     clonePtr(p.Message),
	}
}

// Full converts p into an update that replaces every field.
func (p Presence) Full() Update {
	return Update{
		Cursor:      fieldOf(p.Cursor),
		CursorColor: fieldOf(p.CursorColor),
		EditingText: fieldOf(p.EditingText),
		Message:     fieldOf(p.Message),
	}
}

func fieldOf[T any](v *T) Field[T] {
	if v == nil {
		return Clear[T]()
	}
	return Value(*v)
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
