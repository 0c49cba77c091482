package store

import (
	"fmt"
	"math"
	"strings"

	"github.com/maxiofs/kvschema/pkg/schema"
)

// resolveKey returns the encoded primary key of value. seq is the
// collection's auto-increment counter: a missing key is taken from it and
// written back into value, and an explicit integer key above it raises it.
func resolveKey(keyPath schema.KeyPath, autoIncrement bool, value map[string]any, seq *int64) (string, error) {
	if keyPath.IsZero() {
		return "", fmt.Errorf("%w: collection has no key path", ErrInvalidKey)
	}

	key, ok := extractKey(keyPath, value)
	if !ok {
		if !autoIncrement || keyPath.IsCompound() {
			return "", fmt.Errorf("%w: record has no value at key path %s", ErrInvalidKey, keyPath)
		}
		*seq++
		injectValue(value, keyPath.Paths()[0], *seq)
		return encodeKey(*seq)
	}

	enc, err := encodeKey(key)
	if err != nil {
		return "", err
	}
	if autoIncrement && !keyPath.IsCompound() {
		if n, ok := integerKey(key); ok && n > *seq {
			*seq = n
		}
	}
	return enc, nil
}

// integerKey reports the value of a numeric key with no fractional part
func integerKey(key any) (int64, bool) {
	switch k := key.(type) {
	case int:
		return int64(k), true
	case int32:
		return int64(k), true
	case int64:
		return k, true
	case uint32:
		return int64(k), true
	case float64:
		if k != math.Trunc(k) || math.Abs(k) > 1<<53 {
			return 0, false
		}
		return int64(k), true
	}
	return 0, false
}

func extractKey(keyPath schema.KeyPath, value map[string]any) (any, bool) {
	paths := keyPath.Paths()
	if !keyPath.IsCompound() {
		return lookupPath(value, paths[0])
	}
	parts := make([]any, 0, len(paths))
	for _, p := range paths {
		v, ok := lookupPath(value, p)
		if !ok {
			return nil, false
		}
		parts = append(parts, v)
	}
	return parts, true
}

// lookupPath walks a dotted path through nested maps
func lookupPath(value map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = value
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func injectValue(value map[string]any, path string, v any) {
	segments := strings.Split(path, ".")
	m := value
	for _, seg := range segments[:len(segments)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[seg] = next
		}
		m = next
	}
	m[segments[len(segments)-1]] = v
}

// encodeKey produces an order-preserving string for a primary key.
// Numbers sort before strings; compound keys compare part by part.
func encodeKey(key any) (string, error) {
	switch k := key.(type) {
	case string:
		return "s" + k, nil
	case int:
		return encodeInt(int64(k)), nil
	case int32:
		return encodeInt(int64(k)), nil
	case int64:
		return encodeInt(k), nil
	case uint32:
		return encodeInt(int64(k)), nil
	case float64:
		if k != math.Trunc(k) || math.Abs(k) > 1<<53 {
			return "", fmt.Errorf("%w: %v is not an integer", ErrInvalidKey, k)
		}
		return encodeInt(int64(k)), nil
	case []any:
		parts := make([]string, 0, len(k))
		for _, p := range k {
			enc, err := encodeKey(p)
			if err != nil {
				return "", err
			}
			parts = append(parts, enc)
		}
		return strings.Join(parts, "\x00"), nil
	default:
		return "", fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, key)
	}
}

func encodeInt(n int64) string {
	// flipping the sign bit keeps negative numbers ordered before positive ones
	return fmt.Sprintf("n%020d", uint64(n)^(1<<63))
}
