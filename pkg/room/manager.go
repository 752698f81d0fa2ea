// Package room owns the live state of every room on this node and serializes all writes to it.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/astromechza/whiteboard-sync/pkg/events"
	"github.com/astromechza/whiteboard-sync/pkg/presence"
)

const DefaultOutboxSize = 256

var (
	// ErrGone is returned for operations on a connection that has left or was dropped.
	ErrGone = errors.New("connection is no longer in the room")
	// ErrClosed is returned by Join once the manager has been closed.
	ErrClosed = errors.New("manager is closed")
)

// Relay carries events between nodes serving the same room.
type Relay interface {
	Publish(ctx context.Context, roomID string, e events.Event) error
	Subscribe(ctx context.Context, roomID string, deliver func(events.Event)) (stop func(), err error)
}

type Options struct {
	// OutboxSize bounds the number of messages queued for one connection.
	OutboxSize int
	// Journal mirrors each room's shapes into an automerge document.
	Journal bool
	Relay   Relay
	Logger  *slog.Logger
}

type Info struct {
	ID          string `json:"id"`
	Connections int    `json:"connections"`
	Shapes      int    `json:"shapes"`
}

type Manager struct {
	opts Options

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func NewManager(opts Options) *Manager {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{opts: opts, rooms: make(map[string]*Room)}
}

// Join adds a connection to roomID, creating the room if needed. The first message in the session's outbox is the
// welcome snapshot; live changes follow it.
func (m *Manager) Join(ctx context.Context, roomID string, initial presence.Presence) (*Session, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	var fresh *Room
	for {
		s, retry, err := m.joinExisting(roomID, initial, fresh)
		if !retry {
			return s, err
		}
		// the relay subscription can block on the network, so the room is prepared without holding m.mu
		if fresh, err = newRoom(roomID, m.opts); err != nil {
			return nil, fmt.Errorf("failed to create room %s: %w", roomID, err)
		}
		m.attachRelay(ctx, fresh)
	}
}

// joinExisting joins roomID if it is live, otherwise installs fresh when given. retry is true when the room has to be
// created first.
func (m *Manager) joinExisting(roomID string, initial presence.Presence, fresh *Room) (s *Session, retry bool, err error) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	switch {
	case m.closed:
		m.mu.Unlock()
		if fresh != nil {
			fresh.close()
		}
		return nil, false, ErrClosed
	case !ok && fresh == nil:
		m.mu.Unlock()
		return nil, true, nil
	case ok && fresh != nil:
		// another join created the room first
		defer fresh.close()
	case !ok:
		r = fresh
		m.rooms[roomID] = r
		m.opts.Logger.Info("room created", "room", roomID)
	}
	p, err := r.join(uuid.NewString(), initial, m.opts.OutboxSize)
	if err != nil {
		if !ok {
			delete(m.rooms, roomID)
		}
		m.mu.Unlock()
		if !ok {
			r.close()
		}
		return nil, false, fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	m.mu.Unlock()
	return &Session{ID: p.id, room: r, mgr: m, peer: p}, false, nil
}

func (m *Manager) attachRelay(ctx context.Context, r *Room) {
	if m.opts.Relay == nil {
		return
	}
	stop, err := m.opts.Relay.Subscribe(ctx, r.id, r.deliverRemote)
	if err != nil {
		m.opts.Logger.Error("failed to subscribe room to relay", "room", r.id, "err", err)
		return
	}
	r.stop = append(r.stop, stop)
}

func (m *Manager) leave(s *Session) {
	m.mu.Lock()
	if !s.room.leave(s.ID) {
		m.mu.Unlock()
		return
	}
	if m.rooms[s.room.id] == s.room {
		delete(m.rooms, s.room.id)
	}
	m.mu.Unlock()
	s.room.close()
}

func (m *Manager) publish(ctx context.Context, roomID string, e events.Event) {
	if m.opts.Relay == nil {
		return
	}
	if err := m.opts.Relay.Publish(ctx, roomID, e); err != nil {
		m.opts.Logger.Warn("failed to relay event", "room", roomID, "err", err)
	}
}

// Room returns the live room with the given id.
func (m *Manager) Room(roomID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// Rooms lists live rooms ordered by id.
func (m *Manager) Rooms() []Info {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, Info{ID: r.id, Connections: r.connections(), Shapes: r.shapes.Len()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Journal returns the encoded journal of a live room. ok is false when the room is not live or has no journal.
func (m *Manager) Journal(roomID string) ([]byte, bool) {
	r, ok := m.Room(roomID)
	if !ok || r.journal == nil {
		return nil, false
	}
	return r.journal.Save(), true
}

// Close drops every connection and room. Later joins fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()
	for _, r := range rooms {
		r.close()
	}
}
