package inproc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statekit/statekit/lib/channel"
	"github.com/statekit/statekit/lib/channel/inproc"
)

func TestBroadcastBetweenHandles(t *testing.T) {
	a := inproc.New("broadcast")
	b := inproc.New("broadcast")
	defer a.Close()
	defer b.Close()

	var gotA, gotB []channel.Message
	_, err := a.Subscribe(func(m channel.Message) { gotA = append(gotA, m) })
	require.NoError(t, err)
	_, err = b.Subscribe(func(m channel.Message) { gotB = append(gotB, m) })
	require.NoError(t, err)

	require.NoError(t, a.Publish(channel.Message{Type: "SET", SenderID: "a", Timestamp: time.Now()}))

	// delivery includes the publisher's own handle
	require.Len(t, gotA, 1)
	require.Len(t, gotB, 1)
	assert.Equal(t, "a", gotB[0].SenderID)
}

func TestNameIsolation(t *testing.T) {
	a := inproc.New("room-1")
	b := inproc.New("room-2")
	defer a.Close()
	defer b.Close()

	calls := 0
	_, err := b.Subscribe(func(channel.Message) { calls++ })
	require.NoError(t, err)

	require.NoError(t, a.Publish(channel.Message{Type: "SET"}))
	assert.Zero(t, calls)
}

func TestUnsubscribe(t *testing.T) {
	c := inproc.New("unsub")
	defer c.Close()

	calls := 0
	unsub, err := c.Subscribe(func(channel.Message) { calls++ })
	require.NoError(t, err)

	require.NoError(t, c.Publish(channel.Message{Type: "SET"}))
	unsub()
	unsub() // safe twice
	require.NoError(t, c.Publish(channel.Message{Type: "SET"}))

	assert.Equal(t, 1, calls)
}

func TestClosedChannel(t *testing.T) {
	c := inproc.New("closed")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close()) // idempotent

	assert.Error(t, c.Publish(channel.Message{Type: "SET"}))
	_, err := c.Subscribe(func(channel.Message) {})
	assert.Error(t, err)
}

func TestCloseRemovesOwnSubscriptionsOnly(t *testing.T) {
	a := inproc.New("partial-close")
	b := inproc.New("partial-close")
	defer b.Close()

	aCalls, bCalls := 0, 0
	_, err := a.Subscribe(func(channel.Message) { aCalls++ })
	require.NoError(t, err)
	_, err = b.Subscribe(func(channel.Message) { bCalls++ })
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, b.Publish(channel.Message{Type: "SET"}))

	assert.Zero(t, aCalls)
	assert.Equal(t, 1, bCalls)
}
