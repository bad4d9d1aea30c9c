package selector_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statekit/statekit/lib/backend/engines/memory"
	"github.com/statekit/statekit/lib/selector"
	"github.com/statekit/statekit/lib/store"
)

func newReadyStore(t *testing.T) store.IStore {
	t.Helper()
	s := store.New("selector-test", memory.Factory(), nil)
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { _ = s.Destroy() })
	return s
}

func intAt(state map[string]any, key string) int {
	if v, ok := state[key].(int); ok {
		return v
	}
	return 0
}

// --------------------------------------------------------------------------
// Simple Selector
// --------------------------------------------------------------------------

func TestSimpleSelectorProjects(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Set("a", 7))

	reg := selector.NewRegistry()
	sel, err := reg.Simple(s, "a-value", func(state map[string]any) (any, error) {
		return intAt(state, "a"), nil
	}, nil)
	require.NoError(t, err)
	defer sel.Destroy()

	v, err := sel.Select()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestSimpleSelectorMemoizes(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Set("a", 1))

	var calls atomic.Int64
	reg := selector.NewRegistry()
	sel, err := reg.Simple(s, "memo", func(state map[string]any) (any, error) {
		calls.Add(1)
		return intAt(state, "a"), nil
	}, nil)
	require.NoError(t, err)
	defer sel.Destroy()

	for i := 0; i < 5; i++ {
		_, err := sel.Select()
		require.NoError(t, err)
	}
	// no store change in between: the projection ran once
	assert.Equal(t, int64(1), calls.Load())

	require.NoError(t, s.Set("a", 2))
	v, err := sel.Select()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Greater(t, calls.Load(), int64(1))
}

func TestSimpleSelectorNotifiesOnProjectedChangeOnly(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Set("watched", 1))
	require.NoError(t, s.Set("ignored", 1))

	reg := selector.NewRegistry()
	sel, err := reg.Simple(s, "watched-only", func(state map[string]any) (any, error) {
		return intAt(state, "watched"), nil
	}, nil)
	require.NoError(t, err)
	defer sel.Destroy()

	var mu sync.Mutex
	var got []any
	unsub := sel.Subscribe(func(v any) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	defer unsub()

	// initial delivery
	mu.Lock()
	require.Equal(t, []any{1}, got)
	mu.Unlock()

	// a change outside the projection stays silent
	require.NoError(t, s.Set("ignored", 99))
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()

	require.NoError(t, s.Set("watched", 2))
	mu.Lock()
	assert.Equal(t, []any{1, 2}, got)
	mu.Unlock()
}

// --------------------------------------------------------------------------
// Combined Selector
// --------------------------------------------------------------------------

func minOf(values []any) (any, error) {
	min := values[0].(int)
	for _, v := range values[1:] {
		if n := v.(int); n < min {
			min = n
		}
	}
	return min, nil
}

func TestCombinedSelectorMin(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Set("a", 3))
	require.NoError(t, s.Set("b", 5))

	reg := selector.NewRegistry()
	selA, err := reg.Simple(s, "a", func(state map[string]any) (any, error) {
		return intAt(state, "a"), nil
	}, nil)
	require.NoError(t, err)
	selB, err := reg.Simple(s, "b", func(state map[string]any) (any, error) {
		return intAt(state, "b"), nil
	}, nil)
	require.NoError(t, err)

	min := reg.Combined("min", []selector.ISelector{selA, selB}, minOf,
		&selector.CombinedOptions{Debounce: 5 * time.Millisecond})
	defer min.Destroy()
	defer selB.Destroy()
	defer selA.Destroy()

	v, err := min.Select()
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	var mu sync.Mutex
	var got []any
	unsub := min.Subscribe(func(v any) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	defer unsub()

	// raising the non-minimum input leaves min(a,b) at 3: memoized, silent
	require.NoError(t, s.Set("b", 100))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []any{3}, got)
	mu.Unlock()

	// lowering below the current minimum re-notifies
	require.NoError(t, s.Set("b", 1))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2 && got[1] == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCombinedSelectorDebouncesBursts(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Set("n", 0))

	var combines atomic.Int64
	reg := selector.NewRegistry()
	sel, err := reg.Simple(s, "n", func(state map[string]any) (any, error) {
		return intAt(state, "n"), nil
	}, nil)
	require.NoError(t, err)
	defer sel.Destroy()

	combined := reg.Combined("burst", []selector.ISelector{sel},
		func(values []any) (any, error) {
			combines.Add(1)
			return values[0], nil
		},
		&selector.CombinedOptions{Debounce: 30 * time.Millisecond})
	defer combined.Destroy()

	_, err = combined.Select()
	require.NoError(t, err)
	base := combines.Load()

	var mu sync.Mutex
	var last any
	unsub := combined.Subscribe(func(v any) {
		mu.Lock()
		last = v
		mu.Unlock()
	})
	defer unsub()

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.Set("n", i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == 10
	}, 2*time.Second, 10*time.Millisecond)

	// the burst collapsed into one debounced recomputation
	assert.Equal(t, base+1, combines.Load())
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

func TestRegistrySharesByName(t *testing.T) {
	s := newReadyStore(t)
	reg := selector.NewRegistry()

	project := func(state map[string]any) (any, error) { return intAt(state, "a"), nil }

	first, err := reg.Simple(s, "shared", project, nil)
	require.NoError(t, err)
	second, err := reg.Simple(s, "shared", project, nil)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, reg.Size())

	// two handles, two releases before teardown
	first.Destroy()
	assert.Equal(t, 1, reg.Size())
	second.Destroy()
	assert.Equal(t, 0, reg.Size())
}

func TestRegistryDerivesIDFromFunctionIdentity(t *testing.T) {
	s := newReadyStore(t)
	reg := selector.NewRegistry()

	project := func(state map[string]any) (any, error) { return intAt(state, "a"), nil }

	first, err := reg.Simple(s, "", project, nil)
	require.NoError(t, err)
	defer first.Destroy()
	second, err := reg.Simple(s, "", project, nil)
	require.NoError(t, err)
	defer second.Destroy()

	assert.Same(t, first, second)
	assert.NotEmpty(t, first.ID())
}

func TestDestroyedSelectorStopsFollowingStore(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Set("a", 1))

	var calls atomic.Int64
	reg := selector.NewRegistry()
	sel, err := reg.Simple(s, "doomed", func(state map[string]any) (any, error) {
		calls.Add(1)
		return intAt(state, "a"), nil
	}, nil)
	require.NoError(t, err)

	_, err = sel.Select()
	require.NoError(t, err)
	sel.Destroy()

	before := calls.Load()
	require.NoError(t, s.Set("a", 2))
	assert.Equal(t, before, calls.Load())
}
