// Package schema declares per-field matching annotations. The oracle compares
// input values field by field; annotations tell it which fields identify a
// call and which are noise.
package schema

import "strings"

// Encoding describes how a field's value is stored on the wire.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf8"
	EncodingBase64 Encoding = "base64"
)

// FieldAnnotation overrides how the oracle treats one field.
type FieldAnnotation struct {
	// MatchImportance 0 excludes the field from matching; 1 (the default)
	// requires equality.
	MatchImportance int      `json:"matchImportance" yaml:"matchImportance"`
	Encoding        Encoding `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	// DecodedType is the media type of the decoded payload, e.g.
	// "application/json". JSON decodes are compared structurally.
	DecodedType string `json:"decodedType,omitempty" yaml:"decodedType,omitempty"`
}

// Merges maps dotted field paths to annotations. It travels beside the input
// value because the value itself is plain data.
type Merges map[string]FieldAnnotation

// Ignore is the annotation that removes a field from matching.
func Ignore() FieldAnnotation {
	return FieldAnnotation{MatchImportance: 0}
}

// Base64 annotates a binary field with its decoded media type.
func Base64(decodedType string) FieldAnnotation {
	return FieldAnnotation{MatchImportance: 1, Encoding: EncodingBase64, DecodedType: decodedType}
}

// Merge overlays other on top of m, returning a new map. Keys in other win.
func (m Merges) Merge(other Merges) Merges {
	if len(other) == 0 {
		return m
	}
	out := make(Merges, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Annotation returns the annotation for a dotted path. A parent path's
// annotation covers its children.
func (m Merges) Annotation(path string) (FieldAnnotation, bool) {
	if m == nil {
		return FieldAnnotation{}, false
	}
	if a, ok := m[path]; ok {
		return a, true
	}
	for {
		idx := strings.LastIndex(path, ".")
		if idx < 0 {
			return FieldAnnotation{}, false
		}
		path = path[:idx]
		if a, ok := m[path]; ok {
			return a, true
		}
	}
}

// Importance returns the match importance for a path, defaulting to 1.
func (m Merges) Importance(path string) int {
	if a, ok := m.Annotation(path); ok {
		return a.MatchImportance
	}
	return 1
}
