// Package relay fans room events out between server nodes over redis pub/sub. Storage and presence never travel
// through it: each room has exactly one writer, and only the transient events are shared.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/astromechza/whiteboard-sync/pkg/events"
)

type message struct {
	Origin string       `json:"origin"`
	Event  events.Event `json:"event"`
}

// Bridge implements room.Relay on a redis client.
type Bridge struct {
	rdb    *redis.Client
	nodeID string
	logger *slog.Logger
}

func New(rdb *redis.Client) *Bridge {
	id := uuid.NewString()
	return &Bridge{rdb: rdb, nodeID: id, logger: slog.Default().With("node", id)}
}

// Dial connects to redis at addr and checks that it answers.
func Dial(ctx context.Context, addr string) (*Bridge, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return New(rdb), nil
}

func (b *Bridge) NodeID() string {
	return b.nodeID
}

func (b *Bridge) Close() error {
	return b.rdb.Close()
}

func Channel(roomID string) string {
	return "whiteboard:room:" + roomID + ":events"
}

func (b *Bridge) encode(e events.Event) ([]byte, error) {
	raw, err := json.Marshal(message{Origin: b.nodeID, Event: e})
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return raw, nil
}

func (b *Bridge) Publish(ctx context.Context, roomID string, e events.Event) error {
	raw, err := b.encode(e)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, Channel(roomID), raw).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", roomID, err)
	}
	return nil
}

// Subscribe delivers events published for roomID by other nodes until stop is called.
func (b *Bridge) Subscribe(ctx context.Context, roomID string, deliver func(events.Event)) (func(), error) {
	ps := b.rdb.Subscribe(ctx, Channel(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", roomID, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			b.handle(roomID, []byte(msg.Payload), deliver)
		}
	}()
	return func() {
		if err := ps.Close(); err != nil {
			b.logger.Warn("failed to close subscription", "room", roomID, "err", err)
		}
		<-done
	}, nil
}

func (b *Bridge) handle(roomID string, payload []byte, deliver func(events.Event)) bool {
	var m message
	if err := json.Unmarshal(payload, &m); err != nil {
		b.logger.Warn("dropping malformed relay message", "room", roomID, "err", err)
		return false
	}
	if m.Origin == b.nodeID {
		return false
	}
	deliver(m.Event)
	return true
}
