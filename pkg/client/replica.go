// Package client keeps a local replica of a room: shapes, presences and on-screen reactions, plus the local undo
// history and cursor state machine. Local edits are applied optimistically and sent to the room; the room's
// broadcasts always overwrite the local guess.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/whiteboard-sync/pkg/events"
	"github.com/astromechza/whiteboard-sync/pkg/history"
	"github.com/astromechza/whiteboard-sync/pkg/interaction"
	"github.com/astromechza/whiteboard-sync/pkg/presence"
	"github.com/astromechza/whiteboard-sync/pkg/protocol"
	"github.com/astromechza/whiteboard-sync/pkg/storage"
)

const (
	DefaultOutboxSize       = 512
	DefaultReactionInterval = 100 * time.Millisecond
)

// ErrOutboxFull is returned when the transport is not draining outgoing frames fast enough.
var ErrOutboxFull = errors.New("client outbox is full")

type Options struct {
	HistoryLimit     int
	ReactionWindow   time.Duration
	EvictInterval    time.Duration
	ReactionInterval time.Duration
	OutboxSize       int
	Now              func() time.Time
	Logger           *slog.Logger
}

type Replica struct {
	opts Options

	// edit orders local edits against frames from the room, so an echo is never applied before the edit it echoes
	edit sync.Mutex

	mu      sync.RWMutex
	connID  string
	pending []presence.Update

	shapes    *storage.Map
	presences *presence.Store
	reactions *events.Reactions
	history   *history.History
	machine   *interaction.Machine
	out       chan protocol.Envelope
}

func New(opts Options) *Replica {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.ReactionInterval <= 0 {
		opts.ReactionInterval = DefaultReactionInterval
	}
	if opts.EvictInterval <= 0 {
		opts.EvictInterval = events.DefaultEvictInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Replica{
		opts:      opts,
		shapes:    storage.NewMap(),
		presences: presence.NewStore(),
		reactions: events.NewReactions(opts.ReactionWindow),
		history:   history.New(opts.HistoryLimit),
		out:       make(chan protocol.Envelope, opts.OutboxSize),
	}
	r.machine = interaction.New(emitter{r})
	return r
}

// ConnectionID is the id the room assigned on join, empty until the welcome arrives.
func (r *Replica) ConnectionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connID
}

func (r *Replica) Shapes() *storage.Map {
	return r.shapes
}

func (r *Replica) Presences() *presence.Store {
	return r.presences
}

func (r *Replica) Reactions() *events.Reactions {
	return r.reactions
}

func (r *Replica) History() *history.History {
	return r.history
}

func (r *Replica) Machine() *interaction.Machine {
	return r.machine
}

// Outbox yields frames for the transport to send.
func (r *Replica) Outbox() <-chan protocol.Envelope {
	return r.out
}

// Join queues the join frame with the initial presence.
func (r *Replica) Join(initial presence.Presence) error {
	env, err := protocol.Encode(protocol.TypeJoin, protocol.Join{Presence: initial})
	if err != nil {
		return err
	}
	return r.send(env)
}

// Handle applies a frame received from the room.
func (r *Replica) Handle(env protocol.Envelope) error {
	r.edit.Lock()
	defer r.edit.Unlock()
	switch env.Type {
	case protocol.TypeWelcome:
		w, err := protocol.Decode[protocol.Welcome](env, protocol.TypeWelcome)
		if err != nil {
			return err
		}
		r.shapes.Replace(w.Shapes)
		r.mu.Lock()
		r.connID = w.ConnectionID
		r.presences.Reset()
		for id, p := range w.Presences {
			r.presences.Put(id, p)
		}
		// updates sent before the welcome reach the room after it, so replaying them matches what the room holds
		for _, u := range r.pending {
			r.presences.Set(w.ConnectionID, u)
		}
		r.pending = nil
		r.mu.Unlock()
		r.opts.Logger.Debug("joined room", "conn", w.ConnectionID, "shapes", len(w.Shapes), "presences", len(w.Presences))
	case protocol.TypeStorage:
		c, err := protocol.Decode[storage.Change](env, protocol.TypeStorage)
		if err != nil {
			return err
		}
		if c.Record == nil {
			r.shapes.Delete(c.ShapeID)
		} else {
			r.shapes.Set(c.ShapeID, *c.Record)
		}
	case protocol.TypePresence:
		pc, err := protocol.Decode[protocol.PresenceChanged](env, protocol.TypePresence)
		if err != nil {
			return err
		}
		r.presences.Put(pc.ConnectionID, pc.Presence)
	case protocol.TypePresenceRemoved:
		pr, err := protocol.Decode[protocol.PresenceRemoved](env, protocol.TypePresenceRemoved)
		if err != nil {
			return err
		}
		r.presences.Remove(pr.ConnectionID)
	case protocol.TypeEvent:
		e, err := protocol.Decode[events.Event](env, protocol.TypeEvent)
		if err != nil {
			return err
		}
		if e.Kind == events.KindReaction {
			r.reactions.Add(events.Reaction{Point: e.Point, Value: e.Value, Timestamp: r.opts.Now()})
		}
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnexpectedType, env.Type)
	}
	return nil
}

// NewShapeID returns a fresh shape key.
func NewShapeID() string {
	return uuid.NewString()
}

// CreateShape adds rec, or overwrites the shape with the same id, and records the inverse for undo. Nothing changes
// locally unless the mutation was queued for the room.
func (r *Replica) CreateShape(rec storage.Record) error {
	if rec.ID == "" {
		rec.ID = NewShapeID()
	}
	rec = rec.Clone()
	r.edit.Lock()
	defer r.edit.Unlock()
	if err := r.sendMutation(storage.Mutation{Op: storage.OpCreate, ShapeID: rec.ID, Record: &rec}); err != nil {
		return err
	}
	before := r.current(rec.ID)
	c := r.shapes.Set(rec.ID, rec)
	r.history.Record(history.Entry{Op: storage.OpCreate, ShapeID: rec.ID, Before: before, After: c.Record})
	return nil
}

// UpdateShape merges patch into the shape and sends only the patch, so concurrent edits to other fields survive.
func (r *Replica) UpdateShape(id string, patch storage.Record) error {
	r.edit.Lock()
	defer r.edit.Unlock()
	before := r.current(id)
	if before == nil {
		return fmt.Errorf("%w: update of unknown shape %s", storage.ErrInvalidMutation, id)
	}
	patch = patch.Clone()
	patch.ID = id
	if err := r.sendMutation(storage.Mutation{Op: storage.OpUpdate, ShapeID: id, Record: &patch}); err != nil {
		return err
	}
	c, _ := r.shapes.Update(id, patch)
	r.history.Record(history.Entry{Op: storage.OpUpdate, ShapeID: id, Before: before, After: c.Record})
	return nil
}

// ModifyShape sets one attribute as edited from a property panel. Dimensions are geometry, everything else is style.
func (r *Replica) ModifyShape(id, property, value string) error {
	switch property {
	case "width", "height", "x", "y", "radius", "angle":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", property, value, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("invalid %s %q: not a finite number", property, value)
		}
		return r.UpdateShape(id, storage.Record{Geometry: map[string]float64{property: f}})
	default:
		return r.UpdateShape(id, storage.Record{Style: map[string]string{property: value}})
	}
}

func (r *Replica) DeleteShape(id string) error {
	r.edit.Lock()
	defer r.edit.Unlock()
	before := r.current(id)
	if before == nil {
		return fmt.Errorf("%w: delete of unknown shape %s", storage.ErrInvalidMutation, id)
	}
	if err := r.sendMutation(storage.Mutation{Op: storage.OpDelete, ShapeID: id}); err != nil {
		return err
	}
	r.shapes.Delete(id)
	r.history.Record(history.Entry{Op: storage.OpDelete, ShapeID: id, Before: before})
	return nil
}

// Undo reverts this client's most recent edit. ok is false when there is nothing to undo; on error the entry stays
// on the undo stack.
func (r *Replica) Undo() (bool, error) {
	r.edit.Lock()
	defer r.edit.Unlock()
	return r.history.Undo(applier{r})
}

// Redo re-applies this client's most recently undone edit.
func (r *Replica) Redo() (bool, error) {
	r.edit.Lock()
	defer r.edit.Unlock()
	return r.history.Redo(applier{r})
}

// Run drives the reaction and eviction ticks until ctx is done. Eviction reads Options.Now, the same clock that
// stamps reactions.
func (r *Replica) Run(ctx context.Context) {
	reaction := time.NewTicker(r.opts.ReactionInterval)
	defer reaction.Stop()
	evict := time.NewTicker(r.opts.EvictInterval)
	defer evict.Stop()
	for {
		select {
		case <-reaction.C:
			r.machine.Tick()
		case <-evict.C:
			r.reactions.Evict(r.opts.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (r *Replica) current(id string) *storage.Record {
	rec, ok := r.shapes.Get(id)
	if !ok {
		return nil
	}
	return &rec
}

func (r *Replica) sendMutation(m storage.Mutation) error {
	env, err := protocol.Mutate(m)
	if err != nil {
		return err
	}
	return r.send(env)
}

func (r *Replica) send(env protocol.Envelope) error {
	select {
	case r.out <- env:
		return nil
	default:
		r.opts.Logger.Warn("dropping outgoing frame", "type", env.Type)
		return ErrOutboxFull
	}
}

// emitter connects the cursor state machine to the replica.
type emitter struct {
	r *Replica
}

func (e emitter) UpdatePresence(u presence.Update) {
	env, err := protocol.UpdatePresence(u)
	if err != nil {
		e.r.opts.Logger.Error("failed to encode presence", "err", err)
		return
	}
	if err := e.r.send(env); err != nil {
		return
	}
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	if e.r.connID == "" {
		e.r.pending = append(e.r.pending, u)
		return
	}
	e.r.presences.Set(e.r.connID, u)
}

// EmitReaction shows the reaction locally straight away, the room never echoes it back.
func (e emitter) EmitReaction(p presence.Point, value string) {
	e.r.reactions.Add(events.Reaction{Point: p, Value: value, Timestamp: e.r.opts.Now()})
	env, err := protocol.Broadcast(events.Event{Kind: events.KindReaction, Point: p, Value: value})
	if err != nil {
		e.r.opts.Logger.Error("failed to encode reaction", "err", err)
		return
	}
	_ = e.r.send(env)
}

func (e emitter) Undo() {
	if _, err := e.r.Undo(); err != nil {
		e.r.opts.Logger.Warn("undo failed", "err", err)
	}
}

func (e emitter) Redo() {
	if _, err := e.r.Redo(); err != nil {
		e.r.opts.Logger.Warn("redo failed", "err", err)
	}
}

// applier writes history entries through without recording them again. Callers hold r.edit.
type applier struct {
	r *Replica
}

func (a applier) SetShape(rec storage.Record) error {
	if err := a.r.sendMutation(storage.Mutation{Op: storage.OpCreate, ShapeID: rec.ID, Record: &rec}); err != nil {
		return err
	}
	a.r.shapes.Set(rec.ID, rec)
	return nil
}

func (a applier) DeleteShape(id string) error {
	if err := a.r.sendMutation(storage.Mutation{Op: storage.OpDelete, ShapeID: id}); err != nil {
		return err
	}
	a.r.shapes.Delete(id)
	return nil
}
