package storage

import (
	"maps"
)

// Common style keys. Style is open ended, these are the ones the sidebar edits.
const (
	StyleFill       = "fill"
	StyleStroke     = "stroke"
	StyleFontFamily = "fontFamily"
	StyleFontSize   = "fontSize"
	StyleFontWeight = "fontWeight"
)

// Record is one drawable shape.
type Record struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Geometry map[string]float64 `json:"geometry,omitempty"`
	Style    map[string]string  `json:"style,omitempty"`
}

func (r Record) Clone() Record {
	return Record{
		ID:       r.ID,
		Type:     r.Type,
		Geometry: maps.Clone(r.Geometry),
		Style:    maps.Clone(r.Style),
	}
}

// Merge overlays the non-empty parts of patch onto r, key by key.
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	if patch.Type != "" {
		out.Type = patch.Type
	}
	if len(patch.Geometry) > 0 && out.Geometry == nil {
		out.Geometry = make(map[string]float64, len(patch.Geometry))
	}
	for k, v := range patch.Geometry {
		out.Geometry[k] = v
	}
	if len(patch.Style) > 0 && out.Style == nil {
		out.Style = make(map[string]string, len(patch.Style))
	}
	for k, v := range patch.Style {
		out.Style[k] = v
	}
	return out
}

// Equal compares two records field by field.
func (r Record) Equal(o Record) bool {
	return r.ID == o.ID && r.Type == o.Type && maps.Equal(r.Geometry, o.Geometry) && maps.Equal(r.Style, o.Style)
}

func clonePtr(r *Record) *Record {
	if r == nil {
		return nil
	}
	c := r.Clone()
	return &c
}
