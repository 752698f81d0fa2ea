package room

import (
	"log/slog"
	"sync"

	"github.com/astromechza/whiteboard-sync/pkg/events"
	"github.com/astromechza/whiteboard-sync/pkg/journal"
	"github.com/astromechza/whiteboard-sync/pkg/presence"
	"github.com/astromechza/whiteboard-sync/pkg/protocol"
	"github.com/astromechza/whiteboard-sync/pkg/storage"
)

type peer struct {
	id          string
	out         chan protocol.Envelope
	gone        bool
	unsubscribe func()
}

// Room is the single writer for one document. Every storage write, presence update and event passes through mu,
// which gives all of them one order, and each resulting message is queued to every peer in that order.
type Room struct {
	id     string
	logger *slog.Logger

	mu        sync.Mutex
	shapes    *storage.Map
	presences *presence.Store
	bus       *events.Bus
	journal   *journal.Journal
	peers     map[string]*peer
	slow      []string
	closed    bool
	stop      []func()
}

func newRoom(id string, opts Options) (*Room, error) {
	r := &Room{
		id:        id,
		logger:    opts.Logger.With("room", id),
		shapes:    storage.NewMap(),
		presences: presence.NewStore(),
		bus:       events.NewBus(),
		peers:     make(map[string]*peer),
	}
	if opts.Journal {
		j, err := journal.New(id)
		if err != nil {
			return nil, err
		}
		r.journal = j
	}
	r.stop = append(r.stop,
		r.shapes.Subscribe(r.onStorage),
		r.presences.Subscribe(r.onPresence),
	)
	return r, nil
}

func (r *Room) ID() string {
	return r.id
}

// Snapshot returns the current shapes.
func (r *Room) Snapshot() map[string]storage.Record {
	return r.shapes.Snapshot()
}

func (r *Room) Presences() map[string]presence.Presence {
	return r.presences.All()
}

func (r *Room) join(id string, initial presence.Presence, outboxSize int) (*peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &peer{id: id, out: make(chan protocol.Envelope, outboxSize)}
	r.presences.Put(id, initial)

	welcome, err := protocol.Encode(protocol.TypeWelcome, protocol.Welcome{
		ConnectionID: id,
		Shapes:       r.shapes.Snapshot(),
		Presences:    r.presences.All(),
	})
	if err != nil {
		r.presences.Remove(id)
		return nil, err
	}
	p.out <- welcome
	r.peers[id] = p
	p.unsubscribe = r.bus.Subscribe(id, func(e events.Event) {
		r.deliverEventLocked(p, e)
	})
	r.dropSlowLocked()
	r.logger.Info("connection joined", "conn", id, "connections", len(r.peers))
	return p, nil
}

// leave removes the connection and reports whether the room is now empty.
func (r *Room) leave(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; ok {
		r.removeLocked(id)
		r.dropSlowLocked()
	}
	return len(r.peers) == 0
}

func (r *Room) mutate(p *peer, m storage.Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.gone {
		return ErrGone
	}
	if _, err := r.shapes.Apply(m); err != nil {
		return err
	}
	r.dropSlowLocked()
	return nil
}

func (r *Room) updatePresence(p *peer, u presence.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.gone {
		return ErrGone
	}
	if u.Empty() {
		return nil
	}
	r.presences.Set(p.id, u)
	r.dropSlowLocked()
	return nil
}

func (r *Room) broadcast(p *peer, e events.Event) (events.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.gone {
		return e, ErrGone
	}
	if e.Kind == "" {
		e.Kind = events.KindReaction
	}
	e.SenderID = p.id
	r.bus.Broadcast(e)
	return e, nil
}

// deliverRemote hands an event relayed from another node to every local connection.
func (r *Room) deliverRemote(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.bus.Broadcast(e)
}

func (r *Room) connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id := range r.peers {
		r.removeLocked(id)
	}
	r.slow = nil
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()

	// remote deliveries take r.mu, so their subscriptions are stopped unlocked
	for _, fn := range stop {
		fn()
	}
	r.logger.Info("room torn down")
}

func (r *Room) onStorage(c storage.Change) {
	if r.journal != nil {
		if err := r.journal.Record(c); err != nil {
			r.logger.Error("failed to journal change", "shape", c.ShapeID, "err", err)
		}
	}
	env, err := protocol.Encode(protocol.TypeStorage, c)
	if err != nil {
		r.logger.Error("failed to encode storage change", "shape", c.ShapeID, "err", err)
		return
	}
	r.fanOutLocked(env, "")
}

func (r *Room) onPresence(c presence.Change) {
	var env protocol.Envelope
	var err error
	if c.Presence == nil {
		env, err = protocol.Encode(protocol.TypePresenceRemoved, protocol.PresenceRemoved{ConnectionID: c.ConnectionID})
	} else {
		env, err = protocol.Encode(protocol.TypePresence, protocol.PresenceChanged{ConnectionID: c.ConnectionID, Presence: *c.Presence})
	}
	if err != nil {
		r.logger.Error("failed to encode presence", "conn", c.ConnectionID, "err", err)
		return
	}
	r.fanOutLocked(env, c.ConnectionID)
}

// fanOutLocked queues env to every peer apart from skip. A peer whose outbox is full has fallen behind the document
// and is dropped so that it rejoins from a fresh snapshot.
func (r *Room) fanOutLocked(env protocol.Envelope, skip string) {
	for id, p := range r.peers {
		if id == skip || p.gone {
			continue
		}
		select {
		case p.out <- env:
		default:
			p.gone = true
			r.slow = append(r.slow, id)
			r.logger.Warn("dropping slow connection", "conn", id)
		}
	}
}

// deliverEventLocked queues an event. Events are at-most-once so a full outbox only loses this one.
func (r *Room) deliverEventLocked(p *peer, e events.Event) {
	if p.gone {
		return
	}
	env, err := protocol.Encode(protocol.TypeEvent, e)
	if err != nil {
		r.logger.Error("failed to encode event", "err", err)
		return
	}
	select {
	case p.out <- env:
	default:
		r.logger.Debug("dropped event for busy connection", "conn", p.id)
	}
}

func (r *Room) removeLocked(id string) {
	p, ok := r.peers[id]
	if !ok {
		return
	}
	delete(r.peers, id)
	p.gone = true
	close(p.out)
	p.unsubscribe()
	r.presences.Remove(id)
	r.logger.Info("connection left", "conn", id, "connections", len(r.peers))
}

func (r *Room) dropSlowLocked() {
	for len(r.slow) > 0 {
		id := r.slow[0]
		r.slow = r.slow[1:]
		r.removeLocked(id)
	}
}
