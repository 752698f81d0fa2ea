package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/astromechza/whiteboard-sync/pkg/events"
	"github.com/astromechza/whiteboard-sync/pkg/presence"
	"github.com/astromechza/whiteboard-sync/pkg/protocol"
	"github.com/astromechza/whiteboard-sync/pkg/storage"
)

// Session is one connection's handle on its room.
type Session struct {
	ID string

	room      *Room
	mgr       *Manager
	peer      *peer
	leaveOnce sync.Once
}

func (s *Session) RoomID() string {
	return s.room.id
}

// Outbox yields every message for this connection in room order. It is closed when the connection leaves or is
// dropped for falling behind.
func (s *Session) Outbox() <-chan protocol.Envelope {
	return s.peer.out
}

// Mutate applies m to the room's storage. The resulting change is sent to every connection, this one included.
func (s *Session) Mutate(m storage.Mutation) error {
	return s.room.mutate(s.peer, m)
}

// UpdatePresence merges u into this connection's presence and sends the result to the other connections.
func (s *Session) UpdatePresence(u presence.Update) error {
	return s.room.updatePresence(s.peer, u)
}

// Broadcast relays e to the other connections of the room, here and on other nodes.
func (s *Session) Broadcast(ctx context.Context, e events.Event) error {
	sent, err := s.room.broadcast(s.peer, e)
	if err != nil {
		return err
	}
	s.mgr.publish(ctx, s.room.id, sent)
	return nil
}

// Handle dispatches a client frame.
func (s *Session) Handle(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeMutate:
		m, err := protocol.Decode[storage.Mutation](env, protocol.TypeMutate)
		if err != nil {
			return err
		}
		return s.Mutate(m)
	case protocol.TypeUpdatePresence:
		u, err := protocol.Decode[presence.Update](env, protocol.TypeUpdatePresence)
		if err != nil {
			return err
		}
		return s.UpdatePresence(u)
	case protocol.TypeBroadcast:
		e, err := protocol.Decode[events.Event](env, protocol.TypeBroadcast)
		if err != nil {
			return err
		}
		return s.Broadcast(ctx, e)
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnexpectedType, env.Type)
	}
}

// Leave removes the connection from the room. It is safe to call more than once.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() {
		s.mgr.leave(s)
	})
}
