// Package inproc provides process-local broadcast channels. Channels with
// the same name share one hub, so two stores in the same process can
// synchronize without any external transport. This is also the transport
// used by the test suites.
package inproc

import (
	"sync"
	"sync/atomic"

	"github.com/statekit/statekit/lib/channel"
	"github.com/statekit/statekit/lib/store"
)

// --------------------------------------------------------------------------
// Hub Registry
// --------------------------------------------------------------------------

// hub fans messages out to every handle opened on the same channel name.
type hub struct {
	mu     sync.RWMutex
	subs   map[uint64]func(channel.Message)
	nextID uint64
	refs   int
}

var (
	hubsMu sync.Mutex
	hubs   = map[string]*hub{}
)

func acquireHub(name string) *hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[name]
	if !ok {
		h = &hub{subs: map[uint64]func(channel.Message){}}
		hubs[name] = h
	}
	h.refs++
	return h
}

func releaseHub(name string, h *hub) {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h.refs--
	if h.refs <= 0 {
		delete(hubs, name)
	}
}

func (h *hub) publish(msg channel.Message) {
	h.mu.RLock()
	subs := make([]func(channel.Message), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(msg)
	}
}

// --------------------------------------------------------------------------
// Channel Handle
// --------------------------------------------------------------------------

// inprocImpl is one handle on a named hub.
type inprocImpl struct {
	name   string
	hub    *hub
	closed atomic.Bool

	mu  sync.Mutex
	ids []uint64 // subscription ids owned by this handle
}

// New opens a handle on the named in-process channel. Handles with the same
// name deliver to each other.
func New(name string) channel.IChannel {
	return &inprocImpl{name: name, hub: acquireHub(name)}
}

func (c *inprocImpl) Publish(msg channel.Message) error {
	if c.closed.Load() {
		return store.NewError(store.RetCClosed, "channel "+c.name+" is closed")
	}
	c.hub.publish(msg)
	return nil
}

func (c *inprocImpl) Subscribe(fn func(msg channel.Message)) (func(), error) {
	if c.closed.Load() {
		return nil, store.NewError(store.RetCClosed, "channel "+c.name+" is closed")
	}

	c.hub.mu.Lock()
	c.hub.nextID++
	id := c.hub.nextID
	c.hub.subs[id] = fn
	c.hub.mu.Unlock()

	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.hub.mu.Lock()
			delete(c.hub.subs, id)
			c.hub.mu.Unlock()
		})
	}, nil
}

func (c *inprocImpl) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	ids := c.ids
	c.ids = nil
	c.mu.Unlock()

	c.hub.mu.Lock()
	for _, id := range ids {
		delete(c.hub.subs, id)
	}
	c.hub.mu.Unlock()

	releaseHub(c.name, c.hub)
	return nil
}
