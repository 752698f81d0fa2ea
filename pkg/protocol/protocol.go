// Package protocol defines the JSON frames exchanged between a room and its clients. Every frame is an Envelope whose
// Type selects the shape of Payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/whiteboard-sync/pkg/events"
	"github.com/astromechza/whiteboard-sync/pkg/presence"
	"github.com/astromechza/whiteboard-sync/pkg/storage"
)

type Type string

const (
	// client to server
	TypeJoin           Type = "join"
	TypeMutate         Type = "mutate"
	TypeUpdatePresence Type = "update_presence"
	TypeBroadcast      Type = "broadcast"

	// server to client
	TypeWelcome         Type = "welcome"
	TypeStorage         Type = "storage"
	TypePresence        Type = "presence"
	TypePresenceRemoved Type = "presence_removed"
	TypeEvent           Type = "event"
)

var ErrUnexpectedType = errors.New("unexpected message type")

type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Join struct {
	Presence presence.Presence `json:"presence"`
}

type Welcome struct {
	ConnectionID string                       `json:"connectionId"`
	Shapes       map[string]storage.Record    `json:"shapes"`
	Presences    map[string]presence.Presence `json:"presences"`
}

type PresenceChanged struct {
	ConnectionID string            `json:"connectionId"`
	Presence     presence.Presence `json:"presence"`
}

type PresenceRemoved struct {
	ConnectionID string `json:"connectionId"`
}

// Encode wraps v in an envelope of type t.
func Encode(t Type, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Decode unwraps the payload of env, which must be of type t.
func Decode[T any](env Envelope, t Type) (T, error) {
	var out T
	if env.Type != t {
		return out, fmt.Errorf("%w: wanted %s, got %q", ErrUnexpectedType, t, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s: %w", t, err)
	}
	return out, nil
}

func Mutate(m storage.Mutation) (Envelope, error) {
	return Encode(TypeMutate, m)
}

func UpdatePresence(u presence.Update) (Envelope, error) {
	return Encode(TypeUpdatePresence, u)
}

func Broadcast(e events.Event) (Envelope, error) {
	e.SenderID = ""
	return Encode(TypeBroadcast, e)
}
