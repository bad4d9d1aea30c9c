package testing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statekit/statekit/lib/backend"
	"github.com/statekit/statekit/lib/path"
)

// RunBackendTests runs the conformance test suite for a backend
// implementation. The factory must produce a fresh, empty backend per call.
func RunBackendTests(t *testing.T, name string, factory backend.Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("SetGet", func(t *testing.T) {
			testSetGet(t, initialized(t, factory))
		})
		t.Run("WholeTree", func(t *testing.T) {
			testWholeTree(t, initialized(t, factory))
		})
		t.Run("NestedPaths", func(t *testing.T) {
			testNestedPaths(t, initialized(t, factory))
		})
		t.Run("RawKeys", func(t *testing.T) {
			testRawKeys(t, initialized(t, factory))
		})
		t.Run("Update", func(t *testing.T) {
			testUpdate(t, initialized(t, factory))
		})
		t.Run("Delete", func(t *testing.T) {
			testDelete(t, initialized(t, factory))
		})
		t.Run("ClearAndKeys", func(t *testing.T) {
			testClearAndKeys(t, initialized(t, factory))
		})
		t.Run("Has", func(t *testing.T) {
			testHas(t, initialized(t, factory))
		})
		t.Run("Aliasing", func(t *testing.T) {
			testAliasing(t, initialized(t, factory))
		})
		t.Run("Destroy", func(t *testing.T) {
			testDestroy(t, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func initialized(t *testing.T, factory backend.Factory) backend.Backend {
	t.Helper()
	b := factory()
	require.NoError(t, b.DoInitialize())
	t.Cleanup(func() { _ = b.DoDestroy() })
	return b
}

func mustGet(t *testing.T, b backend.Backend, p string) any {
	t.Helper()
	v, loaded, err := b.DoGet(p)
	require.NoError(t, err)
	require.True(t, loaded, "expected a value at %q", p)
	return v
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, b backend.Backend) {
	require.NoError(t, b.DoSet("greeting", "hello"))
	assert.Equal(t, "hello", mustGet(t, b, "greeting"))

	// overwrite
	require.NoError(t, b.DoSet("greeting", "hi"))
	assert.Equal(t, "hi", mustGet(t, b, "greeting"))

	// structured values survive the round trip
	v := map[string]any{"n": 1, "list": []any{"a", "b"}}
	require.NoError(t, b.DoSet("doc", v))
	assert.True(t, path.DeepEqual(v, mustGet(t, b, "doc")))

	// missing key
	_, loaded, err := b.DoGet("missing")
	require.NoError(t, err)
	assert.False(t, loaded)
}

func testWholeTree(t *testing.T, b backend.Backend) {
	require.NoError(t, b.DoSet("a", 1))
	require.NoError(t, b.DoSet("b", 2))

	tree, ok := mustGet(t, b, "").(map[string]any)
	require.True(t, ok, "path \"\" must return the whole tree as a mapping")
	assert.True(t, path.DeepEqual(map[string]any{"a": 1, "b": 2}, tree))

	// replacing the whole tree
	require.NoError(t, b.DoSet("", map[string]any{"c": 3}))
	tree = mustGet(t, b, "").(map[string]any)
	assert.True(t, path.DeepEqual(map[string]any{"c": 3}, tree))
}

func testNestedPaths(t *testing.T, b backend.Backend) {
	require.NoError(t, b.DoSet("user.profile.name", "ada"))
	require.NoError(t, b.DoSet("user.profile.age", 36))
	require.NoError(t, b.DoSet("user.tags[1]", "admin"))

	assert.Equal(t, "ada", mustGet(t, b, "user.profile.name"))
	assert.Equal(t, 36, mustGet(t, b, "user.profile.age"))
	assert.Equal(t, "admin", mustGet(t, b, "user.tags[1]"))

	// intermediate containers were created with the right shapes
	profile := mustGet(t, b, "user.profile").(map[string]any)
	assert.Len(t, profile, 2)
	tags := mustGet(t, b, "user.tags").([]any)
	require.Len(t, tags, 2)
	assert.Nil(t, tags[0])
}

func testRawKeys(t *testing.T, b backend.Backend) {
	// an unparseable key addresses one top-level entry verbatim
	raw := "metrics..cpu[load"
	require.NoError(t, b.DoSet(raw, 0.7))
	assert.Equal(t, 0.7, mustGet(t, b, raw))

	_, loaded, err := b.DoGet("metrics")
	require.NoError(t, err)
	assert.False(t, loaded, "raw key must never be split")

	deleted, err := b.DoDelete(raw)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func testUpdate(t *testing.T, b backend.Backend) {
	require.NoError(t, b.DoUpdate([]backend.Update{
		{Path: "a", Value: map[string]any{"b": 1}},
		{Path: "c", Value: 2},
		{Path: "c", Value: 3}, // later entries win
	}, nil))

	assert.Equal(t, 1, mustGet(t, b, "a.b"))
	assert.Equal(t, 3, mustGet(t, b, "c"))

	// update keys are verbatim: a dotted key is one top-level entry and
	// must not be nested under its first segment
	require.NoError(t, b.DoUpdate([]backend.Update{
		{Path: "x.y", Value: 42},
	}, nil))
	assert.Equal(t, 42, mustGet(t, b, "x.y"))
	_, loaded, err := b.DoGet("x")
	require.NoError(t, err)
	assert.False(t, loaded, "update keys must never be split")

	// deletes are applied in the same call, also verbatim
	require.NoError(t, b.DoUpdate(nil, []string{"x.y", "c"}))
	keys, err := b.DoKeys()
	require.NoError(t, err)
	assert.NotContains(t, keys, "x.y")
	assert.NotContains(t, keys, "c")
	assert.Contains(t, keys, "a")

	// DoDelete finds a verbatim dotted entry when no nested match exists
	require.NoError(t, b.DoUpdate([]backend.Update{{Path: "w.z", Value: 1}}, nil))
	deleted, err := b.DoDelete("w.z")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func testDelete(t *testing.T, b backend.Backend) {
	require.NoError(t, b.DoSet("a.b", 1))
	require.NoError(t, b.DoSet("a.c", 2))

	deleted, err := b.DoDelete("a.b")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, loaded, err := b.DoGet("a.b")
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, 2, mustGet(t, b, "a.c"))

	// deleting a missing entry is not an error
	deleted, err = b.DoDelete("a.b")
	require.NoError(t, err)
	assert.False(t, deleted)

	// top-level delete removes the key entirely
	deleted, err = b.DoDelete("a")
	require.NoError(t, err)
	assert.True(t, deleted)
	has, err := b.DoHas("a")
	require.NoError(t, err)
	assert.False(t, has)
}

func testClearAndKeys(t *testing.T, b backend.Backend) {
	require.NoError(t, b.DoSet("x", 1))
	require.NoError(t, b.DoSet("y", 2))

	keys, err := b.DoKeys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, keys)

	require.NoError(t, b.DoClear())
	keys, err = b.DoKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testHas(t *testing.T, b backend.Backend) {
	require.NoError(t, b.DoSet("present.nested", true))

	for p, want := range map[string]bool{
		"present":        true,
		"present.nested": true,
		"absent":         false,
		"present.other":  false,
	} {
		has, err := b.DoHas(p)
		require.NoError(t, err)
		assert.Equal(t, want, has, "DoHas(%q)", p)
	}
}

func testAliasing(t *testing.T, b backend.Backend) {
	v := map[string]any{"n": 1}
	require.NoError(t, b.DoSet("doc", v))

	// mutating the caller's value after the write must not leak in
	v["n"] = 99
	assert.Equal(t, 1, mustGet(t, b, "doc.n"))

	// mutating a read result must not leak back
	got := mustGet(t, b, "doc").(map[string]any)
	got["n"] = 42
	assert.Equal(t, 1, mustGet(t, b, "doc.n"))
}

func testDestroy(t *testing.T, factory backend.Factory) {
	b := factory()

	// destroy before initialize must be safe
	require.NoError(t, b.DoDestroy())

	b = factory()
	require.NoError(t, b.DoInitialize())
	require.NoError(t, b.DoSet("k", "v"))
	require.NoError(t, b.DoDestroy())
	// double destroy must be safe
	require.NoError(t, b.DoDestroy())
}
