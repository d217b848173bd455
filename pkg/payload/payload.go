// Package payload defines the recursive value tree that flows through the
// firewalls and the decision kernel: null, bool, number, string, sequence,
// and string-keyed mapping. Handlers that need stronger typing decode their
// own schema out of a Value at the top of their closure.
package payload

import "fmt"

// Value is any node in a request or response payload tree. Concretely one
// of: nil, bool, float64, string, []Value, or map[string]Value. The type is
// intentionally an alias over `any` rather than an interface with a sealed
// set of implementations; walkers switch on the dynamic type, matching how
// the firewalls in this codebase already treat payloads.
type Value = any

// Walk visits every scalar leaf in v, calling fn with the path to that leaf
// (dot-joined, sequence indices in brackets) and its value. Walk does not
// mutate v.
func Walk(v Value, fn func(path string, leaf Value)) {
	walk("", v, fn)
}

func walk(path string, v Value, fn func(string, Value)) {
	switch t := v.(type) {
	case map[string]Value:
		for k, child := range t {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			walk(childPath, child, fn)
		}
	case []Value:
		for i, child := range t {
			walk(fmt.Sprintf("%s[%d]", path, i), child, fn)
		}
	default:
		fn(path, v)
	}
}

// MapStrings rebuilds v with every string leaf replaced by the result of fn.
// Structure (map keys, sequence order and length) is preserved exactly;
// non-string leaves pass through unchanged. Used by both firewalls to
// produce a sanitized payload tree without touching the original.
func MapStrings(v Value, fn func(s string) string) Value {
	switch t := v.(type) {
	case map[string]Value:
		out := make(map[string]Value, len(t))
		for k, child := range t {
			out[k] = MapStrings(child, fn)
		}
		return out
	case []Value:
		out := make([]Value, len(t))
		for i, child := range t {
			out[i] = MapStrings(child, fn)
		}
		return out
	case string:
		return fn(t)
	default:
		return t
	}
}

// Lookup resolves a dotted path ("a.b.c") against a mapping value, returning
// the value and whether every segment resolved.
func Lookup(v Value, path string) (Value, bool) {
	if path == "" {
		return v, true
	}
	seg, rest := splitFirst(path)
	m, ok := v.(map[string]Value)
	if !ok {
		return nil, false
	}
	child, ok := m[seg]
	if !ok {
		return nil, false
	}
	if rest == "" {
		return child, true
	}
	return Lookup(child, rest)
}

func splitFirst(path string) (head, rest string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}
