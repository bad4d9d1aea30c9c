package store

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/statekit/statekit/lib/path"
)

// globalKey is the reserved registry entry receiving every structural
// change. The NUL prefix keeps it out of the user path namespace.
const globalKey = "\x00*"

// --------------------------------------------------------------------------
// Path Builder
// --------------------------------------------------------------------------

// P builds a subscription path through an explicit accessor chain, the
// static replacement for "subscribe to whatever this projection reads":
//
//	s.SubscribeWith(func(p store.P) store.P {
//	    return p.Key("user").Key("tags").Index(2)
//	}, fn) // subscribes to "user.tags[2]"
type P struct {
	segments []string
}

// Key descends into a mapping field.
func (p P) Key(name string) P {
	return P{segments: append(append([]string(nil), p.segments...), name)}
}

// Index descends into an array element.
func (p P) Index(i int) P {
	return P{segments: append(append([]string(nil), p.segments...), strconv.Itoa(i))}
}

// String renders the accessor chain as a path string.
func (p P) String() string {
	return path.Join(p.segments)
}

// --------------------------------------------------------------------------
// Subscriber Registry
// --------------------------------------------------------------------------

// subEntry couples a subscriber with its registration identity.
type subEntry struct {
	id uint64
	fn Subscriber
}

// subscriberSet is the callback list of one path, append-ordered.
type subscriberSet struct {
	mu      sync.RWMutex
	entries []subEntry
}

// registry maps path strings (or the reserved global key) to their
// subscriber sets. Entries with zero callbacks are removed so idle paths
// never leak.
//
// Thread-safety: all methods are safe for concurrent use.
type registry struct {
	sets   *xsync.MapOf[string, *subscriberSet]
	nextID atomic.Uint64
}

func newRegistry() *registry {
	return &registry{sets: xsync.NewMapOf[string, *subscriberSet]()}
}

// add registers a subscriber under a path and returns its removal func.
func (r *registry) add(p string, fn Subscriber) Unsubscribe {
	id := r.nextID.Add(1)

	// Compute keeps the append atomic with respect to pruning in remove
	r.sets.Compute(p, func(set *subscriberSet, loaded bool) (*subscriberSet, bool) {
		if !loaded {
			set = &subscriberSet{}
		}
		set.mu.Lock()
		set.entries = append(set.entries, subEntry{id: id, fn: fn})
		set.mu.Unlock()
		return set, false
	})

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(p, id) })
	}
}

// remove drops one subscriber and prunes the path entry when it was the
// last one.
func (r *registry) remove(p string, id uint64) {
	r.sets.Compute(p, func(set *subscriberSet, loaded bool) (*subscriberSet, bool) {
		if !loaded {
			return nil, true
		}
		set.mu.Lock()
		for i, e := range set.entries {
			if e.id == id {
				set.entries = append(set.entries[:i], set.entries[i+1:]...)
				break
			}
		}
		empty := len(set.entries) == 0
		set.mu.Unlock()
		return set, empty
	})
}

// notify delivers a change to every subscriber of a path, in registration
// order. It returns the number of deliveries.
func (r *registry) notify(p string, c Change) int {
	set, ok := r.sets.Load(p)
	if !ok {
		return 0
	}

	set.mu.RLock()
	entries := append([]subEntry(nil), set.entries...)
	set.mu.RUnlock()

	for _, e := range entries {
		e.fn(c)
	}
	return len(entries)
}

// clear drops every subscription.
func (r *registry) clear() {
	r.sets.Clear()
}
