// Package selector provides memoized derived views over a store. A simple
// selector projects the state tree into a value and recomputes only when
// the store actually changed; a combined selector merges several selectors
// through a combiner, with debounced recomputation and value-level
// memoization so downstream subscribers only hear about real changes.
//
// Selectors are shared: acquiring the same id from a registry twice returns
// the same instance, refcounted, so an expensive projection is computed
// once no matter how many consumers hold it.
package selector

import (
	"sync"

	"github.com/statekit/statekit/lib/path"
	"github.com/statekit/statekit/lib/store"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Projection derives a value from the state tree.
type Projection func(state map[string]any) (any, error)

// ISelector is a memoized derived view.
type ISelector interface {
	// Select returns the current derived value, recomputing only when an
	// input changed since the last call.
	Select() (any, error)
	// Subscribe registers a callback for derived-value changes. The
	// current value, when known, is delivered immediately. The returned
	// function removes the subscription.
	Subscribe(fn func(value any)) func()
	// ID returns the selector's registry identity.
	ID() string
	// Destroy releases this handle. The last release tears down the
	// selector's upstream subscriptions.
	Destroy()
}

// Options configures a selector.
type Options struct {
	// Equal decides whether two derived values count as the same, which
	// suppresses re-notification (default path.DeepEqual).
	Equal func(old, new any) bool
}

// --------------------------------------------------------------------------
// Subscriber Bookkeeping
// --------------------------------------------------------------------------

// subscribers is the shared callback list of both selector kinds.
type subscribers struct {
	mu     sync.Mutex
	subs   map[uint64]func(any)
	nextID uint64
}

func newSubscribers() *subscribers {
	return &subscribers{subs: map[uint64]func(any){}}
}

func (s *subscribers) add(fn func(any)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) notify(value any) {
	s.mu.Lock()
	fns := make([]func(any), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// --------------------------------------------------------------------------
// Simple Selector
// --------------------------------------------------------------------------

// simpleImpl projects the store's state tree. A store change counter keys
// the memoization: Select recomputes only when the store changed since the
// cached result.
type simpleImpl struct {
	id      string
	store   store.IStore
	project Projection
	equal   func(old, new any) bool

	mu        sync.Mutex
	version   uint64 // bumped on every store change
	cachedVer uint64
	hasCache  bool
	cached    any

	subs       *subscribers
	unsubStore store.Unsubscribe
	release    func()
}

func newSimple(id string, st store.IStore, project Projection, opts *Options) (*simpleImpl, error) {
	equal := path.DeepEqual
	if opts != nil && opts.Equal != nil {
		equal = opts.Equal
	}
	s := &simpleImpl{
		id:      id,
		store:   st,
		project: project,
		equal:   equal,
		subs:    newSubscribers(),
	}

	unsub, err := st.SubscribeToAll(s.onStoreChange)
	if err != nil {
		return nil, err
	}
	s.unsubStore = unsub
	return s, nil
}

func (s *simpleImpl) ID() string { return s.id }

func (s *simpleImpl) Select() (any, error) {
	s.mu.Lock()
	if s.hasCache && s.cachedVer == s.version {
		v := s.cached
		s.mu.Unlock()
		return v, nil
	}
	version := s.version
	s.mu.Unlock()

	state, err := s.store.GetState()
	if err != nil {
		return nil, err
	}
	value, err := s.project(state)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	// a change that raced the computation invalidates the cache entry but
	// not the returned value
	if s.version == version {
		s.cached = value
		s.cachedVer = version
		s.hasCache = true
	}
	s.mu.Unlock()
	return value, nil
}

func (s *simpleImpl) Subscribe(fn func(value any)) func() {
	unsub := s.subs.add(fn)
	if value, err := s.Select(); err == nil {
		fn(value)
	}
	return unsub
}

func (s *simpleImpl) Destroy() {
	if s.release != nil {
		s.release()
	}
}

func (s *simpleImpl) teardown() {
	if s.unsubStore != nil {
		s.unsubStore()
	}
}

// onStoreChange invalidates the memo and, when the derived value actually
// moved, re-notifies subscribers.
func (s *simpleImpl) onStoreChange(c store.Change) {
	if c.Initial {
		return
	}

	s.mu.Lock()
	s.version++
	prev := s.cached
	had := s.hasCache
	s.mu.Unlock()

	value, err := s.Select()
	if err != nil {
		return
	}
	if had && s.equal(prev, value) {
		return
	}
	s.subs.notify(value)
}
