package events

import (
	"context"
	"sync"
	"time"

	"github.com/astromechza/whiteboard-sync/pkg/presence"
)

const (
	DefaultWindow        = 4 * time.Second
	DefaultEvictInterval = time.Second
)

// Reaction is a reaction being displayed locally.
type Reaction struct {
	Point     presence.Point
	Value     string
	Timestamp time.Time
}

// Reactions is the local list of reactions still on screen, both received and self-emitted.
type Reactions struct {
	mu     sync.Mutex
	window time.Duration
	items  []Reaction
}

func NewReactions(window time.Duration) *Reactions {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Reactions{window: window}
}

func (r *Reactions) Add(item Reaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
}

func (r *Reactions) List() []Reaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reaction, len(r.items))
	copy(out, r.items)
	return out
}

// Evict drops every reaction that is older than the window at now and returns how many were dropped.
func (r *Reactions) Evict(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.window)
	kept := r.items[:0]
	for _, item := range r.items {
		if item.Timestamp.After(cutoff) {
			kept = append(kept, item)
		}
	}
	dropped := len(r.items) - len(kept)
	clear(r.items[len(kept):])
	r.items = kept
	return dropped
}

// Run evicts on every tick until ctx is done.
func (r *Reactions) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultEvictInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			r.Evict(now)
		case <-ctx.Done():
			return
		}
	}
}
