// Package journal mirrors a room's shapes into an automerge document so the live state and its change history can
// be exported and inspected. The room's in-memory map stays the source of truth.
package journal

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/whiteboard-sync/pkg/storage"
)

// ShapesKey is the root key holding the shape map.
const ShapesKey = "shapes"

type Journal struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

func New(roomID string) (*Journal, error) {
	doc := automerge.New()
	if err := doc.Path(ShapesKey).Set(map[string]interface{}{}); err != nil {
		return nil, fmt.Errorf("failed to seed journal: %w", err)
	}
	if _, err := doc.Commit("open "+roomID, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit journal seed: %w", err)
	}
	return &Journal{doc: doc}, nil
}

// Record commits one storage change.
func (j *Journal) Record(c storage.Change) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if c.Record == nil {
		if err := j.doc.Path(ShapesKey).Map().Delete(c.ShapeID); err != nil {
			return fmt.Errorf("failed to delete %s: %w", c.ShapeID, err)
		}
		if _, err := j.doc.Commit("delete " + c.ShapeID); err != nil {
			return fmt.Errorf("failed to commit delete of %s: %w", c.ShapeID, err)
		}
		return nil
	}
	if err := j.doc.Path(ShapesKey, c.ShapeID).Set(toDocValue(*c.Record)); err != nil {
		return fmt.Errorf("failed to set %s: %w", c.ShapeID, err)
	}
	if _, err := j.doc.Commit("set " + c.ShapeID); err != nil {
		return fmt.Errorf("failed to commit set of %s: %w", c.ShapeID, err)
	}
	return nil
}

// Save encodes the whole document, history included.
func (j *Journal) Save() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.doc.Save()
}

// Heads returns the current change heads as strings.
func (j *Journal) Heads() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	heads := j.doc.Heads()
	out := make([]string, 0, len(heads))
	for _, h := range heads {
		out = append(out, h.String())
	}
	return out
}

// Load decodes a saved journal.
func Load(raw []byte) (*automerge.Doc, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}
	return doc, nil
}

// Shapes reads the shape ids and types out of a journal document.
func Shapes(doc *automerge.Doc) (map[string]string, error) {
	ids, err := doc.Path(ShapesKey).Map().Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list shapes: %w", err)
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		kind, err := automerge.As[string](doc.Path(ShapesKey, id, "type").Get())
		if err != nil {
			return nil, fmt.Errorf("failed to read type of %s: %w", id, err)
		}
		out[id] = kind
	}
	return out, nil
}

func toDocValue(r storage.Record) map[string]interface{} {
	geometry := make(map[string]interface{}, len(r.Geometry))
	for k, v := range r.Geometry {
		geometry[k] = v
	}
	style := make(map[string]interface{}, len(r.Style))
	for k, v := range r.Style {
		style[k] = v
	}
	return map[string]interface{}{
		"type":     r.Type,
		"geometry": geometry,
		"style":    style,
	}
}
