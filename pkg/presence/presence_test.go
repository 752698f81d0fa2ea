package presence

import (
	"encoding/json"
	"testing"
)

func TestMergeKeepsOmittedAndClearsNull(t *testing.T) {
	p := Presence{}.Merge(Update{
		Cursor:      Value(Point{X: 1, Y: 2}),
		CursorColor: Value("#ff0000"),
		Message:     Value("hello"),
	})

	p = p.Merge(Update{Message: Clear[string]()})
	if p.Message != nil {
		t.Fatalf("expected message cleared, got %q", *p.Message)
	}
	if p.Cursor == nil || *p.Cursor != (Point{X: 1, Y: 2}) {
		t.Fatalf("expected cursor kept, got %v", p.Cursor)
	}
	if p.CursorColor == nil || *p.CursorColor != "#ff0000" {
		t.Fatalf("expected color kept, got %v", p.CursorColor)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	base := Presence{}.Merge(Update{Cursor: Value(Point{X: 3, Y: 4}), Message: Value("a")})
	u := Update{Cursor: Value(Point{X: 9, Y: 9}), Message: Clear[string](), EditingText: Value("txt")}

	once := base.Merge(u)
	twice := base.Merge(u).Merge(u)

	a, _ := json.Marshal(once)
	b, _ := json.Marshal(twice)
	if string(a) != string(b) {
		t.Fatalf("expected %s, got %s", a, b)
	}
}

func TestUpdateJSONDistinguishesMissingFromNull(t *testing.T) {
	var u Update
	if err := json.Unmarshal([]byte(`{"cursor":null,"message":"hi"}`), &u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !u.Cursor.IsSet() {
		t.Fatal("expected cursor to be set")
	}
	if _, ok := u.Cursor.Get(); ok {
		t.Fatal("expected cursor to be cleared")
	}
	if u.CursorColor.IsSet() || u.EditingText.IsSet() {
		t.Fatal("expected missing keys to be untouched")
	}
	if v, ok := u.Message.Get(); !ok || v != "hi" {
		t.Fatalf("expected message hi, got %q", v)
	}

	raw, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"cursor":null,"message":"hi"}` {
		t.Fatalf("unexpected encoding %s", raw)
	}
}

func TestStoreNotifiesInOrderAndOnRemove(t *testing.T) {
	s := NewStore()
	var seen []Change
	cancel := s.Subscribe(func(c Change) { seen = append(seen, c) })

	s.Set("a", Update{Message: Value("")})
	s.Set("a", Update{Message: Value("hi")})
	if !s.Remove("a") {
		t.Fatal("expected remove to report presence")
	}
	if s.Remove("a") {
		t.Fatal("expected second remove to be a no-op")
	}
	cancel()
	s.Set("b", Update{})

	if len(seen) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(seen))
	}
	if *seen[0].Presence.Message != "" || *seen[1].Presence.Message != "hi" {
		t.Fatalf("unexpected order: %+v", seen)
	}
	if seen[2].Presence != nil {
		t.Fatal("expected removal change")
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore()
	s.Set("a", Update{Cursor: Value(Point{X: 1})})
	p, _ := s.Get("a")
	p.Cursor.X = 100

	again, _ := s.Get("a")
	if again.Cursor.X != 1 {
		t.Fatalf("expected stored cursor untouched, got %v", again.Cursor.X)
	}
}
