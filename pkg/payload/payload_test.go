package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWalkVisitsEveryLeaf(t *testing.T) {
	v := map[string]Value{
		"a": "one",
		"b": []Value{"two", map[string]Value{"c": float64(3)}},
		"d": nil,
	}
	seen := map[string]Value{}
	Walk(v, func(path string, leaf Value) { seen[path] = leaf })

	assert.Equal(t, "one", seen["a"])
	assert.Equal(t, "two", seen["b[0]"])
	assert.Equal(t, float64(3), seen["b[1].c"])
	assert.Contains(t, seen, "d")
}

func TestMapStringsPreservesStructure(t *testing.T) {
	v := map[string]Value{
		"s": "hello",
		"n": float64(7),
		"l": []Value{"x", true},
	}
	out := MapStrings(v, func(s string) string { return s + "!" })

	m := out.(map[string]Value)
	assert.Equal(t, "hello!", m["s"])
	assert.Equal(t, float64(7), m["n"])
	assert.Equal(t, "x!", m["l"].([]Value)[0])
	assert.Equal(t, true, m["l"].([]Value)[1])

	// Input unchanged.
	assert.Equal(t, "hello", v["s"])
}

func TestLookup(t *testing.T) {
	v := map[string]Value{"a": map[string]Value{"b": map[string]Value{"c": "deep"}}}

	got, ok := Lookup(v, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, "deep", got)

	_, ok = Lookup(v, "a.x")
	assert.False(t, ok)

	whole, ok := Lookup(v, "")
	assert.True(t, ok)
	assert.Equal(t, v, whole)
}
