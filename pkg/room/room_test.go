package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/astromechza/whiteboard-sync/pkg/events"
	"github.com/astromechza/whiteboard-sync/pkg/presence"
	"github.com/astromechza/whiteboard-sync/pkg/protocol"
	"github.com/astromechza/whiteboard-sync/pkg/storage"
)

func join(t *testing.T, m *Manager, roomID string) *Session {
	t.Helper()
	s, err := m.Join(context.Background(), roomID, presence.Presence{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	return s
}

// drain returns every message currently queued for s.
func drain(s *Session) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env, ok := <-s.Outbox():
			if !ok {
				return out
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(envs []protocol.Envelope, t protocol.Type) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func TestJoinSendsSnapshotFirst(t *testing.T) {
	m := NewManager(Options{})
	a := join(t, m, "r")
	rec := storage.Record{Type: "rect", Geometry: map[string]float64{"w": 1}}
	if err := a.Mutate(storage.Mutation{Op: storage.OpCreate, ShapeID: "s1", Record: &rec}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	b := join(t, m, "r")
	envs := drain(b)
	if len(envs) == 0 || envs[0].Type != protocol.TypeWelcome {
		t.Fatalf("expected welcome first, got %v", envs)
	}
	w, err := protocol.Decode[protocol.Welcome](envs[0], protocol.TypeWelcome)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.ConnectionID != b.ID {
		t.Fatalf("expected connection id %s, got %s", b.ID, w.ConnectionID)
	}
	if _, ok := w.Shapes["s1"]; !ok {
		t.Fatal("expected s1 in snapshot")
	}
	if len(w.Presences) != 2 {
		t.Fatalf("expected 2 presences, got %d", len(w.Presences))
	}
}

func TestLastWriterWinsByArrival(t *testing.T) {
	m := NewManager(Options{})
	a, b := join(t, m, "r"), join(t, m, "r")
	drain(a)
	drain(b)

	ra := storage.Record{Type: "rect", Style: map[string]string{"fill": "A"}}
	rb := storage.Record{Type: "rect", Style: map[string]string{"fill": "B"}}
	_ = a.Mutate(storage.Mutation{Op: storage.OpCreate, ShapeID: "k", Record: &ra})
	_ = b.Mutate(storage.Mutation{Op: storage.OpCreate, ShapeID: "k", Record: &rb})

	for _, s := range []*Session{a, b} {
		changes := ofType(drain(s), protocol.TypeStorage)
		if len(changes) != 2 {
			t.Fatalf("expected both changes for %s, got %d", s.ID, len(changes))
		}
		last, _ := protocol.Decode[storage.Change](changes[1], protocol.TypeStorage)
		if last.Record.Style["fill"] != "B" {
			t.Fatalf("expected B last, got %+v", last.Record)
		}
	}
	r, _ := m.Room("r")
	if r.Snapshot()["k"].Style["fill"] != "B" {
		t.Fatal("expected room to hold B")
	}
}

func TestInvalidMutationIsNoOp(t *testing.T) {
	m := NewManager(Options{})
	a := join(t, m, "r")
	drain(a)

	err := a.Mutate(storage.Mutation{Op: storage.OpDelete, ShapeID: "nope"})
	if !errors.Is(err, storage.ErrInvalidMutation) {
		t.Fatalf("expected invalid mutation, got %v", err)
	}
	if envs := drain(a); len(envs) != 0 {
		t.Fatalf("expected nothing broadcast, got %v", envs)
	}
}

func TestPresenceGoesToOthersInOrder(t *testing.T) {
	m := NewManager(Options{})
	a, b := join(t, m, "r"), join(t, m, "r")
	drain(a)
	drain(b)

	for _, msg := range []string{"", "h", "hi"} {
		if err := a.UpdatePresence(presence.Update{Message: presence.Value(msg)}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	if envs := drain(a); len(envs) != 0 {
		t.Fatalf("expected no presence echo to the owner, got %d", len(envs))
	}
	var got []string
	for _, env := range drain(b) {
		pc, err := protocol.Decode[protocol.PresenceChanged](env, protocol.TypePresence)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, *pc.Presence.Message)
	}
	if len(got) != 3 || got[0] != "" || got[1] != "h" || got[2] != "hi" {
		t.Fatalf("unexpected order %q", got)
	}
}

func TestEventsSkipSenderAndStorage(t *testing.T) {
	m := NewManager(Options{})
	a, b := join(t, m, "r"), join(t, m, "r")
	drain(a)
	drain(b)

	if err := a.Broadcast(context.Background(), events.Event{Value: "👍", Point: presence.Point{X: 1, Y: 2}}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if envs := drain(a); len(envs) != 0 {
		t.Fatalf("expected sender to receive nothing, got %v", envs)
	}
	envs := drain(b)
	if len(envs) != 1 {
		t.Fatalf("expected one event, got %d", len(envs))
	}
	e, _ := protocol.Decode[events.Event](envs[0], protocol.TypeEvent)
	if e.SenderID != a.ID || e.Kind != events.KindReaction {
		t.Fatalf("unexpected event %+v", e)
	}
	r, _ := m.Room("r")
	if len(r.Snapshot()) != 0 {
		t.Fatal("expected events to leave storage alone")
	}
}

func TestLeaveRemovesPresenceAndKeepsShapes(t *testing.T) {
	m := NewManager(Options{})
	a, b := join(t, m, "r"), join(t, m, "r")
	rec := storage.Record{Type: "rect"}
	_ = a.Mutate(storage.Mutation{Op: storage.OpCreate, ShapeID: "s1", Record: &rec})
	drain(b)

	a.Leave()
	a.Leave()
	for range a.Outbox() {
	}
	envs := drain(b)
	if len(envs) != 1 || envs[0].Type != protocol.TypePresenceRemoved {
		t.Fatalf("expected presence removal, got %v", envs)
	}
	r, _ := m.Room("r")
	if _, ok := r.Snapshot()["s1"]; !ok {
		t.Fatal("expected shape to outlive its author")
	}
	if err := a.Mutate(storage.Mutation{Op: storage.OpDelete, ShapeID: "s1"}); !errors.Is(err, ErrGone) {
		t.Fatalf("expected gone, got %v", err)
	}

	b.Leave()
	if _, ok := m.Room("r"); ok {
		t.Fatal("expected room torn down after last leave")
	}
	c := join(t, m, "r")
	w, _ := protocol.Decode[protocol.Welcome](drain(c)[0], protocol.TypeWelcome)
	if len(w.Shapes) != 0 {
		t.Fatal("expected a fresh room")
	}
}

func TestSlowConnectionIsDropped(t *testing.T) {
	m := NewManager(Options{OutboxSize: 4})
	a, slow := join(t, m, "r"), join(t, m, "r")
	drain(a)

	var seen []protocol.Envelope
	for i := 0; i < 10; i++ {
		rec := storage.Record{Type: "rect"}
		_ = a.Mutate(storage.Mutation{Op: storage.OpCreate, ShapeID: "s", Record: &rec})
		seen = append(seen, drain(a)...)
	}
	for range slow.Outbox() {
	}
	if err := slow.UpdatePresence(presence.Update{Message: presence.Value("x")}); !errors.Is(err, ErrGone) {
		t.Fatalf("expected slow connection gone, got %v", err)
	}
	removed := ofType(seen, protocol.TypePresenceRemoved)
	if len(removed) != 1 {
		t.Fatalf("expected removal broadcast, got %d", len(removed))
	}
	slow.Leave()
	if _, ok := m.Room("r"); !ok {
		t.Fatal("expected room to stay while a is connected")
	}
}

func TestJournalExport(t *testing.T) {
	m := NewManager(Options{Journal: true})
	a := join(t, m, "r")
	rec := storage.Record{Type: "rect"}
	_ = a.Mutate(storage.Mutation{Op: storage.OpCreate, ShapeID: "s1", Record: &rec})

	raw, ok := m.Journal("r")
	if !ok || len(raw) == 0 {
		t.Fatal("expected journal bytes")
	}
	if _, ok := m.Journal("missing"); ok {
		t.Fatal("expected no journal for a missing room")
	}
	infos := m.Rooms()
	if len(infos) != 1 || infos[0].Connections != 1 || infos[0].Shapes != 1 {
		t.Fatalf("unexpected rooms %+v", infos)
	}
}

type fakeRelay struct {
	mu        sync.Mutex
	published []events.Event
	deliver   func(events.Event)
	stopped   bool
}

func (f *fakeRelay) Publish(_ context.Context, _ string, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, e)
	return nil
}

func (f *fakeRelay) Subscribe(_ context.Context, _ string, deliver func(events.Event)) (func(), error) {
	f.deliver = deliver
	return func() { f.stopped = true }, nil
}

func TestRelayCarriesEventsBothWays(t *testing.T) {
	relay := &fakeRelay{}
	m := NewManager(Options{Relay: relay})
	a := join(t, m, "r")
	drain(a)

	_ = a.Broadcast(context.Background(), events.Event{Value: "🎉"})
	if len(relay.published) != 1 || relay.published[0].SenderID != a.ID {
		t.Fatalf("expected event published with sender, got %+v", relay.published)
	}

	relay.deliver(events.Event{Kind: events.KindReaction, Value: "👋", SenderID: "remote"})
	envs := drain(a)
	if len(envs) != 1 || envs[0].Type != protocol.TypeEvent {
		t.Fatalf("expected remote event delivered, got %v", envs)
	}

	a.Leave()
	if !relay.stopped {
		t.Fatal("expected relay subscription stopped with the room")
	}
}

func TestHandleDispatch(t *testing.T) {
	m := NewManager(Options{})
	a := join(t, m, "r")
	drain(a)

	env, _ := protocol.Mutate(storage.Mutation{Op: storage.OpCreate, ShapeID: "s1", Record: &storage.Record{Type: "text"}})
	if err := a.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := a.Handle(context.Background(), protocol.Envelope{Type: protocol.TypeJoin}); !errors.Is(err, protocol.ErrUnexpectedType) {
		t.Fatalf("expected unexpected type, got %v", err)
	}
	if len(ofType(drain(a), protocol.TypeStorage)) != 1 {
		t.Fatal("expected storage echo to the originator")
	}
}

// gatedRelay holds Subscribe for one room until release is closed.
type gatedRelay struct {
	gated   string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRelay) Publish(context.Context, string, events.Event) error { return nil }

func (g *gatedRelay) Subscribe(_ context.Context, roomID string, _ func(events.Event)) (func(), error) {
	if g.gated != "" && roomID == g.gated {
		close(g.entered)
		<-g.release
	}
	return func() {}, nil
}

func TestSlowRelaySubscribeDoesNotBlockOtherRooms(t *testing.T) {
	relay := &gatedRelay{gated: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(Options{Relay: relay})

	joined := make(chan error, 1)
	go func() {
		_, err := m.Join(context.Background(), "slow", presence.Presence{})
		joined <- err
	}()
	<-relay.entered

	fast := make(chan error, 1)
	go func() {
		s, err := m.Join(context.Background(), "fast", presence.Presence{})
		if err == nil {
			s.Leave()
		}
		fast <- err
	}()
	select {
	case err := <-fast:
		if err != nil {
			t.Fatalf("join: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected a join to another room to proceed while a relay subscribe is pending")
	}

	close(relay.release)
	if err := <-joined; err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, ok := m.Room("slow"); !ok {
		t.Fatal("expected slow room live once subscribed")
	}
}

func TestConcurrentFirstJoinsShareRoom(t *testing.T) {
	m := NewManager(Options{Relay: &gatedRelay{}})
	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	errs := make([]error, len(sessions))
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = m.Join(context.Background(), "r", presence.Presence{})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	r, _ := m.Room("r")
	for _, s := range sessions {
		if s.room != r {
			t.Fatal("expected every session in the same room")
		}
	}
	if r.connections() != len(sessions) {
		t.Fatalf("expected %d connections, got %d", len(sessions), r.connections())
	}
}
