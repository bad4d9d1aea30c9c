package store_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statekit/statekit/lib/backend/engines/memory"
	"github.com/statekit/statekit/lib/middleware/batch"
	"github.com/statekit/statekit/lib/pipeline"
	"github.com/statekit/statekit/lib/store"
)

func newReadyStore(t *testing.T) store.IStore {
	t.Helper()
	s := store.New("test", memory.Factory(), nil)
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { _ = s.Destroy() })
	return s
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestLifecycle(t *testing.T) {
	s := store.New("lifecycle", memory.Factory(), nil)
	assert.Equal(t, store.StatusIdle, s.Status())

	// data ops are gated until ready
	err := s.Set("a", 1)
	require.Error(t, err)
	var serr *store.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, store.RetCNotReady, serr.Code)

	require.NoError(t, s.Initialize())
	assert.Equal(t, store.StatusReady, s.Status())

	// idempotent
	require.NoError(t, s.Initialize())

	require.NoError(t, s.Destroy())
	assert.Equal(t, store.StatusDestroyed, s.Status())

	// destroy is effective exactly once
	require.NoError(t, s.Destroy())

	// no resurrection
	require.Error(t, s.Initialize())
}

func TestConcurrentInitialize(t *testing.T) {
	s := store.New("concurrent-init", memory.Factory(), nil)
	t.Cleanup(func() { _ = s.Destroy() })

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Initialize()
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, store.StatusReady, s.Status())
}

// --------------------------------------------------------------------------
// Data Operations
// --------------------------------------------------------------------------

func TestSetGetRoundTrip(t *testing.T) {
	s := newReadyStore(t)

	require.NoError(t, s.Set("user.name", "alice"))

	v, loaded, err := s.Get("user.name")
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "alice", v)

	// intermediate containers were materialized
	v, loaded, err = s.Get("user")
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, map[string]any{"name": "alice"}, v)

	_, loaded, err = s.Get("user.missing")
	require.NoError(t, err)
	assert.False(t, loaded)
}

func TestKeysAndHas(t *testing.T) {
	s := newReadyStore(t)

	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b.c", 2))

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	has, err := s.Has("b.c")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = s.Has("b.x")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDeleteAndClear(t *testing.T) {
	s := newReadyStore(t)

	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))

	require.NoError(t, s.Delete("a"))
	_, loaded, err := s.Get("a")
	require.NoError(t, err)
	assert.False(t, loaded)

	require.NoError(t, s.Clear())
	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// TestScenarioChain walks a value through its whole life: created nested,
// mutated via Update, deleted, then the store cleared.
func TestScenarioChain(t *testing.T) {
	s := newReadyStore(t)

	require.NoError(t, s.Set("stats", map[string]any{"count": 0}))

	require.NoError(t, s.Update(func(tree map[string]any) {
		stats := tree["stats"].(map[string]any)
		stats["count"] = stats["count"].(int) + 1
	}))

	v, _, err := s.Get("stats.count")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, s.Delete("stats"))
	_, loaded, err := s.Get("stats")
	require.NoError(t, err)
	assert.False(t, loaded)

	require.NoError(t, s.Clear())
	state, err := s.GetState()
	require.NoError(t, err)
	assert.Empty(t, state)
}

// --------------------------------------------------------------------------
// Update Semantics
// --------------------------------------------------------------------------

func TestUpdateReportsMinimalChanges(t *testing.T) {
	s := newReadyStore(t)

	require.NoError(t, s.Set("a", map[string]any{"x": 1, "y": 2}))
	require.NoError(t, s.Set("b", "stable"))

	var global []store.Change
	unsub, err := s.SubscribeToAll(func(c store.Change) {
		if !c.Initial {
			global = append(global, c)
		}
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.Update(func(tree map[string]any) {
		tree["a"].(map[string]any)["x"] = 10
	}))

	require.Len(t, global, 1)
	assert.Equal(t, []string{"a"}, global[0].Keys)
	assert.Equal(t, []string{"a.x"}, global[0].ChangedPaths)
	assert.Equal(t, "stable", global[0].State["b"])
}

func TestUpdateNoChangeIsNoOp(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Set("a", 1))

	calls := 0
	unsub, err := s.SubscribeToAll(func(c store.Change) {
		if !c.Initial {
			calls++
		}
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.Update(func(tree map[string]any) {
		tree["a"] = 1 // same value
	}))
	assert.Zero(t, calls)
}

func TestUpdateDeletesKey(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("b", 2))

	require.NoError(t, s.Update(func(tree map[string]any) {
		delete(tree, "a")
	}))

	_, loaded, err := s.Get("a")
	require.NoError(t, err)
	assert.False(t, loaded)

	v, _, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestUpdateKeepsDottedRootKey(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Set("a", map[string]any{"keep": true}))

	var mu sync.Mutex
	var got []store.Change
	unsub, err := s.Subscribe("a.b", func(c store.Change) {
		if c.Initial {
			return
		}
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	// a literal dotted key written through Update is one root entry, it
	// must not turn into a write below "a"
	require.NoError(t, s.Update(func(tree map[string]any) {
		tree["a.b"] = 42
	}))

	state, err := s.GetState()
	require.NoError(t, err)
	assert.Equal(t, 42, state["a.b"])
	assert.Equal(t, map[string]any{"keep": true}, state["a"])

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Contains(t, keys, "a.b")
	assert.Contains(t, keys, "a")

	v, found, err := s.Get("a.b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 42, v)

	// removing it again deletes only the dotted entry
	require.NoError(t, s.Update(func(tree map[string]any) {
		delete(tree, "a.b")
	}))

	keys, err = s.Keys()
	require.NoError(t, err)
	assert.NotContains(t, keys, "a.b")
	assert.Contains(t, keys, "a")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, 42, got[0].Value)
	assert.False(t, got[0].Deleted)
	assert.True(t, got[1].Deleted)
}

// --------------------------------------------------------------------------
// Subscriptions
// --------------------------------------------------------------------------

func TestSubscribeInitialReplay(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Set("greeting", "hello"))

	var got []store.Change
	unsub, err := s.Subscribe("greeting", func(c store.Change) {
		got = append(got, c)
	})
	require.NoError(t, err)
	defer unsub()

	// the replay is delivered synchronously on registration
	require.Len(t, got, 1)
	assert.True(t, got[0].Initial)
	assert.Equal(t, "hello", got[0].Value)
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := newReadyStore(t)

	var got []store.Change
	unsub, err := s.Subscribe("counter", func(c store.Change) {
		if !c.Initial {
			got = append(got, c)
		}
	})
	require.NoError(t, err)

	require.NoError(t, s.Set("counter", 1))
	require.NoError(t, s.Set("counter", 2))
	require.NoError(t, s.Delete("counter"))

	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Value)
	assert.Equal(t, 2, got[1].Value)
	assert.True(t, got[2].Deleted)

	// after unsubscribe no further deliveries arrive
	unsub()
	require.NoError(t, s.Set("counter", 3))
	assert.Len(t, got, 3)

	// double-unsubscribe is safe
	unsub()
}

func TestSubscribeWithBuilder(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Set("users", []any{map[string]any{"name": "bob"}}))

	var got any
	unsub, err := s.SubscribeWith(func(p store.P) store.P {
		return p.Key("users").Index(0).Key("name")
	}, func(c store.Change) {
		got = c.Value
	})
	require.NoError(t, err)
	defer unsub()

	assert.Equal(t, "bob", got)
}

func TestSubscribeNestedPathGetsExactValue(t *testing.T) {
	s := newReadyStore(t)

	var got []any
	unsub, err := s.Subscribe("config.limit", func(c store.Change) {
		if !c.Initial {
			got = append(got, c.Value)
		}
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.Update(func(tree map[string]any) {
		tree["config"] = map[string]any{"limit": 42, "mode": "fast"}
	}))

	require.Len(t, got, 1)
	assert.Equal(t, 42, got[0])
}

func TestClearNotifiesGlobalOnly(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Set("a", 1))

	keyCalls := 0
	unsubKey, err := s.Subscribe("a", func(c store.Change) {
		if !c.Initial {
			keyCalls++
		}
	})
	require.NoError(t, err)
	defer unsubKey()

	var global []store.Change
	unsubAll, err := s.SubscribeToAll(func(c store.Change) {
		if !c.Initial {
			global = append(global, c)
		}
	})
	require.NoError(t, err)
	defer unsubAll()

	require.NoError(t, s.Clear())

	assert.Zero(t, keyCalls)
	require.Len(t, global, 1)
	assert.Empty(t, global[0].State)
}

func TestSubscribeEvents(t *testing.T) {
	s := store.New("events", memory.Factory(), nil)

	var events []store.Event
	s.SubscribeEvents(func(ev store.Event) {
		events = append(events, ev)
	})

	require.NoError(t, s.Initialize())
	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Clear())
	require.NoError(t, s.Destroy())

	require.Len(t, events, 4)
	assert.Equal(t, store.EventInitialized, events[0].Type)
	assert.Equal(t, store.EventStorageUpdate, events[1].Type)
	assert.Equal(t, store.EventStorageClear, events[2].Type)
	assert.Equal(t, store.EventDestroy, events[3].Type)
}

// --------------------------------------------------------------------------
// Plugins
// --------------------------------------------------------------------------

type testPlugin struct {
	transform   func(key string, value any) (any, error)
	allowDelete bool
	afterDelete []string
	cleared     bool
}

func (p *testPlugin) Name() string { return "test-plugin" }

func (p *testPlugin) BeforeSet(key string, value any) (any, error) {
	if p.transform != nil {
		return p.transform(key, value)
	}
	return value, nil
}

func (p *testPlugin) BeforeDelete(key string) (bool, error) {
	return p.allowDelete, nil
}

func (p *testPlugin) AfterDelete(key string) error {
	p.afterDelete = append(p.afterDelete, key)
	return nil
}

func (p *testPlugin) OnClear() error {
	p.cleared = true
	return nil
}

func TestPluginTransformsSet(t *testing.T) {
	s := newReadyStore(t)
	s.UsePlugin(&testPlugin{
		allowDelete: true,
		transform: func(key string, value any) (any, error) {
			return value.(int) * 2, nil
		},
	})

	require.NoError(t, s.Set("n", 21))
	v, _, err := s.Get("n")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestPluginVetoesSet(t *testing.T) {
	s := newReadyStore(t)
	s.UsePlugin(&testPlugin{
		allowDelete: true,
		transform: func(key string, value any) (any, error) {
			return nil, errors.New("rejected")
		},
	})

	err := s.Set("n", 1)
	require.Error(t, err)
	var serr *store.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, store.RetCHookRejected, serr.Code)

	_, loaded, err := s.Get("n")
	require.NoError(t, err)
	assert.False(t, loaded)
}

func TestPluginGatesDelete(t *testing.T) {
	s := newReadyStore(t)
	p := &testPlugin{allowDelete: false}
	s.UsePlugin(p)

	require.NoError(t, s.Set("keep", 1))
	require.NoError(t, s.Delete("keep"))

	// the delete was denied silently, the value survives
	v, loaded, err := s.Get("keep")
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, 1, v)
	assert.Empty(t, p.afterDelete)

	p.allowDelete = true
	require.NoError(t, s.Delete("keep"))
	_, loaded, err = s.Get("keep")
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, []string{"keep"}, p.afterDelete)
}

func TestPluginOnClear(t *testing.T) {
	s := newReadyStore(t)
	p := &testPlugin{allowDelete: true}
	s.UsePlugin(p)

	require.NoError(t, s.Clear())
	assert.True(t, p.cleared)
}

// --------------------------------------------------------------------------
// Middleware Integration
// --------------------------------------------------------------------------

// unchangedMW short-circuits every set with an Unchanged result.
type unchangedMW struct{}

func (unchangedMW) Name() string { return "unchanged" }

func (unchangedMW) Reduce(api *pipeline.API) func(next pipeline.Handler) pipeline.Handler {
	return func(next pipeline.Handler) pipeline.Handler {
		return func(a *pipeline.Action) (any, error) {
			if a.Type == pipeline.ActionSet {
				return pipeline.Unchanged{}, nil
			}
			return next(a)
		}
	}
}

func TestUnchangedResultSuppressesNotifications(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Use(unchangedMW{}))

	calls := 0
	unsub, err := s.Subscribe("a", func(c store.Change) {
		if !c.Initial {
			calls++
		}
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.Set("a", 1))
	assert.Zero(t, calls)
}

func TestBatchedCallersObserveMergedValue(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Use(batch.New(&batch.Options{Window: 30 * time.Millisecond, MaxSize: 100})))

	var (
		mu   sync.Mutex
		seen []any
	)
	unsub, err := s.Subscribe("merge", func(c store.Change) {
		if c.Initial {
			return
		}
		mu.Lock()
		seen = append(seen, c.Value)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	var wg sync.WaitGroup
	for _, v := range []int{1, 2, 3} {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			require.NoError(t, s.Set("merge", v))
		}(v)
		time.Sleep(2 * time.Millisecond) // settle queue order
	}
	wg.Wait()

	final, found, err := s.Get("merge")
	require.NoError(t, err)
	require.True(t, found)

	// every caller notifies with the value that actually landed, never
	// with its own submitted value
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for _, v := range seen {
		assert.Equal(t, final, v)
	}
}

func TestSubscribeReplayFlushesQueuedWrites(t *testing.T) {
	s := newReadyStore(t)
	require.NoError(t, s.Use(batch.New(&batch.Options{Window: 200 * time.Millisecond, MaxSize: 100})))

	// park a write in the batch window, blocking its caller
	done := make(chan error, 1)
	go func() { done <- s.Set("queued", 7) }()
	time.Sleep(20 * time.Millisecond)

	// the replay read runs through the pipeline, flushing the pending
	// write before the initial value is delivered
	var got any
	unsub, err := s.Subscribe("queued", func(c store.Change) {
		if c.Initial {
			got = c.Value
		}
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, <-done)
	assert.Equal(t, 7, got)
}
