// Package interaction turns raw pointer and keyboard input into presence updates and reactions.
package interaction

import (
	"sync"

	"github.com/astromechza/whiteboard-sync/pkg/presence"
)

type Mode int

const (
	Hidden Mode = iota
	Free
	Chat
	ReactionSelector
	ReactionActive
)

func (m Mode) String() string {
	switch m {
	case Hidden:
		return "hidden"
	case Free:
		return "free"
	case Chat:
		return "chat"
	case ReactionSelector:
		return "reaction-selector"
	case ReactionActive:
		return "reaction-active"
	default:
		return "unknown"
	}
}

const (
	KeyChat      = "/"
	KeyEscape    = "Escape"
	KeyReactions = "e"
	KeyEnter     = "Enter"
)

// Action is a context menu entry.
type Action string

const (
	ActionChat      Action = "Chat"
	ActionReactions Action = "Reactions"
	ActionUndo      Action = "Undo"
	ActionRedo      Action = "Redo"
)

// State is the local cursor state. PreviousMessage and Message only mean something in Chat, Reaction and IsPressed
// only in ReactionActive.
type State struct {
	Mode            Mode
	PreviousMessage *string
	Message         string
	Reaction        string
	IsPressed       bool
}

// Emitter receives the side effects of transitions. It is called with the machine locked and must not call back
// into the machine.
type Emitter interface {
	UpdatePresence(u presence.Update)
	EmitReaction(p presence.Point, value string)
	Undo()
	Redo()
}

type Machine struct {
	mu     sync.Mutex
	state  State
	cursor *presence.Point
	emit   Emitter
}

func New(emit Emitter) *Machine {
	return &Machine{emit: emit}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	if s.PreviousMessage != nil {
		prev := *s.PreviousMessage
		s.PreviousMessage = &prev
	}
	return s
}

// Cursor returns the last known pointer position, ok is false while the pointer is off the canvas.
func (m *Machine) Cursor() (presence.Point, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor == nil {
		return presence.Point{}, false
	}
	return *m.cursor, true
}

func (m *Machine) PointerMove(p presence.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// the palette pins the cursor where it was opened
	if m.state.Mode == ReactionSelector && m.cursor != nil {
		return
	}
	m.moveCursor(p)
	if m.state.Mode == Hidden {
		m.state = State{Mode: Free}
	}
}

func (m *Machine) PointerDown(p presence.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moveCursor(p)
	switch m.state.Mode {
	case Hidden:
		m.state = State{Mode: Free}
	case ReactionActive:
		m.state.IsPressed = true
	}
}

func (m *Machine) PointerUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Mode == ReactionActive {
		m.state.IsPressed = false
	}
}

func (m *Machine) PointerLeave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = nil
	m.state = State{Mode: Hidden}
	m.emit.UpdatePresence(presence.Update{
		Cursor:  presence.Clear[presence.Point](),
		Message: presence.Clear[string](),
	})
}

// KeyUp handles a released key. While composing a chat message only Escape and Enter are commands.
func (m *Machine) KeyUp(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Mode == Chat {
		switch key {
		case KeyEscape:
			m.hide()
		case KeyEnter:
			msg := m.state.Message
			m.state.PreviousMessage = &msg
			m.state.Message = ""
		}
		return
	}
	switch key {
	case KeyChat:
		m.openChat()
	case KeyEscape:
		m.hide()
	case KeyReactions:
		m.state = State{Mode: ReactionSelector}
	}
}

// ChatInput replaces the message being composed.
func (m *Machine) ChatInput(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Mode != Chat {
		return
	}
	m.state.Message = text
	m.state.PreviousMessage = nil
	m.emit.UpdatePresence(presence.Update{Message: presence.Value(text)})
}

// SelectReaction picks a reaction from the open palette.
func (m *Machine) SelectReaction(value string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Mode != ReactionSelector {
		return false
	}
	m.state = State{Mode: ReactionActive, Reaction: value}
	return true
}

// ContextMenu runs exactly one menu action.
func (m *Machine) ContextMenu(a Action) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch a {
	case ActionChat:
		m.openChat()
	case ActionReactions:
		m.state = State{Mode: ReactionSelector}
	case ActionUndo:
		m.emit.Undo()
	case ActionRedo:
		m.emit.Redo()
	default:
		return false
	}
	return true
}

// Tick emits one reaction at the cursor while a reaction is held down. It is driven every 100ms.
func (m *Machine) Tick() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Mode != ReactionActive || !m.state.IsPressed || m.cursor == nil {
		return false
	}
	m.emit.EmitReaction(*m.cursor, m.state.Reaction)
	return true
}

func (m *Machine) moveCursor(p presence.Point) {
	m.cursor = &p
	m.emit.UpdatePresence(presence.Update{Cursor: presence.Value(p)})
}

func (m *Machine) openChat() {
	m.state = State{Mode: Chat}
	m.emit.UpdatePresence(presence.Update{Message: presence.Value("")})
}

func (m *Machine) hide() {
	m.state = State{Mode: Hidden}
	m.emit.UpdatePresence(presence.Update{Message: presence.Clear[string]()})
}
