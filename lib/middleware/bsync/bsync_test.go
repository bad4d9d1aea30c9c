package bsync_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statekit/statekit/lib/backend/engines/memory"
	"github.com/statekit/statekit/lib/channel"
	"github.com/statekit/statekit/lib/channel/inproc"
	"github.com/statekit/statekit/lib/middleware/bsync"
	"github.com/statekit/statekit/lib/middleware/dedupe"
	"github.com/statekit/statekit/lib/path"
	"github.com/statekit/statekit/lib/store"
)

// newSyncedStore builds a ready store joined to the named sync group. Every
// instance gets its own channel handle; the middleware owns and closes it.
func newSyncedStore(t *testing.T, group string) store.IStore {
	t.Helper()
	s := store.New("synced", memory.Factory(), nil)
	require.NoError(t, s.Use(bsync.New(&bsync.Options{
		Channel:     inproc.New(group),
		SyncTimeout: 50 * time.Millisecond,
	})))
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { _ = s.Destroy() })
	return s
}

func TestSetPropagatesToPeer(t *testing.T) {
	a := newSyncedStore(t, t.Name())
	b := newSyncedStore(t, t.Name())

	require.NoError(t, a.Set("greeting", "hello"))

	v, loaded, err := b.Get("greeting")
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "hello", v)
}

func TestPeerMutationNotifiesSubscribers(t *testing.T) {
	a := newSyncedStore(t, t.Name())
	b := newSyncedStore(t, t.Name())

	var got []store.Change
	unsub, err := b.Subscribe("shared", func(c store.Change) {
		if !c.Initial {
			got = append(got, c)
		}
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, a.Set("shared", "from-a"))
	require.NoError(t, a.Delete("shared"))

	require.Len(t, got, 2)
	assert.Equal(t, "from-a", got[0].Value)
	assert.True(t, got[1].Deleted)
}

func TestLocalSubscribersNotNotifiedTwice(t *testing.T) {
	a := newSyncedStore(t, t.Name())
	_ = newSyncedStore(t, t.Name())

	calls := 0
	unsub, err := a.Subscribe("own", func(c store.Change) {
		if !c.Initial {
			calls++
		}
	})
	require.NoError(t, err)
	defer unsub()

	// a's own broadcast must be dropped when it comes back around
	require.NoError(t, a.Set("own", 1))
	assert.Equal(t, 1, calls)
}

func TestLateJoinerReceivesSnapshot(t *testing.T) {
	a := newSyncedStore(t, t.Name())
	require.NoError(t, a.Set("seeded", "value"))
	require.NoError(t, a.Set("nested", map[string]any{"x": 1}))

	// joins after the writes: state arrives via the snapshot handshake
	b := newSyncedStore(t, t.Name())

	v, loaded, err := b.Get("seeded")
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "value", v)

	v, _, err = b.Get("nested")
	require.NoError(t, err)
	assert.True(t, path.DeepEqual(map[string]any{"x": 1}, v))
}

func TestLoneInstanceStartsEmptyAfterTimeout(t *testing.T) {
	start := time.Now()
	s := newSyncedStore(t, t.Name())
	elapsed := time.Since(start)

	// the handshake waited for its timeout, then gave up silently
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestUpdatePropagatesToPeer(t *testing.T) {
	a := newSyncedStore(t, t.Name())
	b := newSyncedStore(t, t.Name())

	require.NoError(t, a.Set("doc", map[string]any{"rev": 1, "body": "draft"}))
	require.NoError(t, a.Update(func(tree map[string]any) {
		tree["doc"].(map[string]any)["rev"] = 2
	}))

	v, _, err := b.Get("doc")
	require.NoError(t, err)
	assert.True(t, path.DeepEqual(map[string]any{"rev": 2, "body": "draft"}, v))
}

func TestClearPropagatesToPeer(t *testing.T) {
	a := newSyncedStore(t, t.Name())
	b := newSyncedStore(t, t.Name())

	require.NoError(t, a.Set("gone", 1))
	require.NoError(t, a.Clear())

	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMalformedMessagesAreDiscarded(t *testing.T) {
	s := newSyncedStore(t, t.Name())

	// raw handle on the same group, posing as a broken peer
	raw := inproc.New(t.Name())
	defer raw.Close()

	publish := func(msgType string, payload []byte) {
		require.NoError(t, raw.Publish(channel.Message{
			Type:      msgType,
			Payload:   payload,
			SenderID:  "broken-peer",
			Timestamp: time.Now(),
		}))
	}

	publish("SET", []byte("not json"))
	publish("SET", []byte(`{"value":"missing key"}`))
	publish("UPDATE", []byte(`42`))
	publish("DELETE", []byte(`{}`))
	publish("GARBAGE", nil)

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	// the store still works after the garbage
	require.NoError(t, s.Set("alive", true))
	v, _, err := s.Get("alive")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestDedupedWriteIsNotBroadcast(t *testing.T) {
	raw := inproc.New(t.Name())
	defer raw.Close()

	sets := 0
	_, err := raw.Subscribe(func(m channel.Message) {
		if m.Type == "SET" {
			sets++
		}
	})
	require.NoError(t, err)

	// dedupe runs inside bsync, so a dropped write surfaces to bsync as an
	// unchanged result and must not be mirrored
	s := newSyncedStore(t, t.Name())
	require.NoError(t, s.Use(dedupe.New(nil)))

	require.NoError(t, s.Set("a", 1))
	require.NoError(t, s.Set("a", 1))

	assert.Equal(t, 1, sets)
}
