package path

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffNoChange(t *testing.T) {
	old := map[string]any{"a": map[string]any{"b": 1}, "c": []any{1, 2}}
	new := CloneTree(old)
	assert.Empty(t, Diff(old, new))
}

func TestDiffNestedLeaf(t *testing.T) {
	old := map[string]any{
		"a": map[string]any{"b": 1, "c": 2},
		"x": "unrelated",
	}
	new := CloneTree(old)
	Set(new, "a.b", 5)

	// only the changed leaf is reported, not the sibling or unrelated keys
	assert.Equal(t, []string{"a.b"}, Diff(old, new))
}

func TestDiffAddedAndRemovedKeys(t *testing.T) {
	old := map[string]any{"keep": 1, "gone": 2}
	new := map[string]any{"keep": 1, "fresh": 3}

	paths := Diff(old, new)
	assert.ElementsMatch(t, []string{"gone", "fresh"}, paths)
}

func TestDiffArraysAreOpaque(t *testing.T) {
	old := map[string]any{"a": map[string]any{"list": []any{1, 2, 3}}}
	new := CloneTree(old)
	Set(new, "a.list[1]", 9)

	// arrays are leaves: the change surfaces at the array's own path
	assert.Equal(t, []string{"a.list"}, Diff(old, new))
}

func TestDiffTypeChange(t *testing.T) {
	old := map[string]any{"a": map[string]any{"b": 1}}
	new := map[string]any{"a": "now a scalar"}
	assert.Equal(t, []string{"a"}, Diff(old, new))
}

func TestDiffDeterministicOrder(t *testing.T) {
	old := map[string]any{"b": 1, "a": 1, "c": 1}
	new := map[string]any{"b": 2, "a": 2, "c": 2}
	assert.Equal(t, []string{"a", "b", "c"}, Diff(old, new))
}

func TestDiffCyclicTree(t *testing.T) {
	oldCyc := map[string]any{"v": 1}
	oldCyc["self"] = oldCyc
	newCyc := map[string]any{"v": 1}
	newCyc["self"] = newCyc

	old := map[string]any{"loop": oldCyc}
	new := map[string]any{"loop": newCyc}

	// must terminate; the point of re-entry is reported as changed
	paths := Diff(old, new)
	assert.Equal(t, []string{"loop.self"}, paths)
}

func TestDiffSharedSubtree(t *testing.T) {
	shared := map[string]any{"v": 1}
	old := map[string]any{"a": shared}
	new := map[string]any{"a": map[string]any{"v": 2}}

	assert.Equal(t, []string{"a.v"}, Diff(old, new))
}
