package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// KeyPath is either a single field path, an ordered list of field paths
// (compound key), or absent (the zero value).
type KeyPath struct {
	paths    []string
	compound bool
}

// Path returns a single-field key path
func Path(p string) KeyPath {
	return KeyPath{paths: []string{p}}
}

// Compound returns a compound key path over the given fields, in order
func Compound(paths ...string) KeyPath {
	if len(paths) == 0 {
		return KeyPath{}
	}
	return KeyPath{paths: append([]string(nil), paths...), compound: true}
}

// IsZero reports whether the key path is absent
func (k KeyPath) IsZero() bool {
	return len(k.paths) == 0
}

// IsCompound reports whether the key path was declared as a list
func (k KeyPath) IsCompound() bool {
	return k.compound
}

// Paths returns a copy of the field paths
func (k KeyPath) Paths() []string {
	if len(k.paths) == 0 {
		return nil
	}
	return append([]string(nil), k.paths...)
}

// Equal reports whether two key paths name the same fields in the same form
func (k KeyPath) Equal(o KeyPath) bool {
	if k.compound != o.compound || len(k.paths) != len(o.paths) {
		return false
	}
	for i := range k.paths {
		if k.paths[i] != o.paths[i] {
			return false
		}
	}
	return true
}

func (k KeyPath) String() string {
	if k.compound {
		return "[" + strings.Join(k.paths, ", ") + "]"
	}
	return strings.Join(k.paths, "")
}

// valid requires at least one path and no empty path element
func (k KeyPath) valid() bool {
	if len(k.paths) == 0 {
		return false
	}
	for _, p := range k.paths {
		if p == "" {
			return false
		}
	}
	return true
}

func (k KeyPath) clone() KeyPath {
	return KeyPath{paths: k.Paths(), compound: k.compound}
}

// MarshalJSON encodes an absent path as null, a single path as a string and
// a compound path as an array.
func (k KeyPath) MarshalJSON() ([]byte, error) {
	switch {
	case k.IsZero():
		return []byte("null"), nil
	case k.compound:
		return json.Marshal(k.paths)
	default:
		return json.Marshal(k.paths[0])
	}
}

func (k *KeyPath) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*k = KeyPath{}
	case len(data) > 0 && data[0] == '[':
		var paths []string
		if err := json.Unmarshal(data, &paths); err != nil {
			return fmt.Errorf("decode key path: %w", err)
		}
		*k = Compound(paths...)
	default:
		var p string
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode key path: %w", err)
		}
		*k = Path(p)
	}
	return nil
}
