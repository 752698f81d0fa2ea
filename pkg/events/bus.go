package events

import (
	"sync"

	"github.com/astromechza/whiteboard-sync/pkg/presence"
)

type Kind string

const KindReaction Kind = "reaction"

// Event is a fire-and-forget signal. It is relayed to other connections and never stored.
type Event struct {
	Kind     Kind           `json:"kind"`
	Point    presence.Point `json:"point"`
	Value    string         `json:"value"`
	SenderID string         `json:"senderId,omitempty"`
}

// Bus relays events to every subscriber apart from the sender. Delivery is best effort: subscribers are expected
// not to block and nothing is retried.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]func(Event))}
}

// Subscribe registers connID. A second subscription for the same id replaces the first.
func (b *Bus) Subscribe(connID string, fn func(Event)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[connID] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, connID)
	}
}

// Broadcast hands e to every subscriber except e.SenderID and returns how many were called.
func (b *Bus) Broadcast(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for id, fn := range b.subs {
		if id == e.SenderID {
			continue
		}
		fn(e)
		n++
	}
	return n
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
