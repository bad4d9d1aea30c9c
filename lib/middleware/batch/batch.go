// Package batch provides a middleware that coalesces rapid writes. Writes
// are queued per segment (action type plus key) and flushed when either the
// batch window elapses or the queue reaches its size threshold. Set
// segments merge last-write-wins, update segments merge per key; one
// operation is executed for the whole queue and every queued caller
// resolves with its outcome.
//
// Reads and other non-batchable actions flush all pending segments first,
// so a caller always observes its own completed writes.
package batch

import (
	"sync"
	"time"

	"github.com/statekit/statekit/lib/backend"
	"github.com/statekit/statekit/lib/pipeline"
	"github.com/statekit/statekit/lib/store"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the batch middleware.
type Options struct {
	// Window is how long a queued write may wait for more writes to merge
	// with before it is flushed (default 50ms).
	Window time.Duration

	// MaxSize flushes a segment immediately once this many writes are
	// queued on it (default 10).
	MaxSize int
}

// DefaultOptions returns the default batching options.
func DefaultOptions() *Options {
	return &Options{
		Window:  50 * time.Millisecond,
		MaxSize: 10,
	}
}

// --------------------------------------------------------------------------
// Middleware
// --------------------------------------------------------------------------

// outcome is the result one flushed operation hands to its queued callers.
type outcome struct {
	res any
	err error
}

// item is one queued write awaiting its segment's flush.
type item struct {
	action *pipeline.Action
	done   chan outcome
}

// segment is the queue for one (type, key) pair.
type segment struct {
	items []*item
	timer *time.Timer
}

type batchMW struct {
	opts Options

	mu       sync.Mutex
	segments map[string]*segment
	next     pipeline.Handler // innermost chain below this middleware
	closed   bool
}

// New creates a batch middleware.
func New(opts *Options) pipeline.Middleware {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.Window <= 0 {
		o.Window = 50 * time.Millisecond
	}
	if o.MaxSize <= 0 {
		o.MaxSize = 10
	}
	return &batchMW{
		opts:     o,
		segments: map[string]*segment{},
	}
}

func (m *batchMW) Name() string { return "batch" }

func (m *batchMW) Reduce(api *pipeline.API) func(next pipeline.Handler) pipeline.Handler {
	return func(next pipeline.Handler) pipeline.Handler {
		m.mu.Lock()
		m.next = next
		m.mu.Unlock()

		return func(a *pipeline.Action) (any, error) {
			switch a.Type {
			case pipeline.ActionSet, pipeline.ActionUpdate:
				return m.enqueue(a, next)
			default:
				// a read or structural op must observe pending writes
				m.flushAll(next)
				return next(a)
			}
		}
	}
}

// segmentKey groups writes that may merge: same action type, same key.
func segmentKey(a *pipeline.Action) string {
	return a.Type.String() + "_" + a.Key
}

// enqueue adds a write to its segment and blocks until the segment is
// flushed, returning the merged operation's outcome.
func (m *batchMW) enqueue(a *pipeline.Action, next pipeline.Handler) (any, error) {
	key := segmentKey(a)
	it := &item{action: a, done: make(chan outcome, 1)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, store.NewError(store.RetCClosed, "batch middleware is shut down")
	}
	seg, ok := m.segments[key]
	if !ok {
		seg = &segment{}
		m.segments[key] = seg
	}
	seg.items = append(seg.items, it)

	full := len(seg.items) >= m.opts.MaxSize
	if full {
		items := m.detachLocked(key)
		m.mu.Unlock()
		m.flushItems(items, next)
	} else {
		// every push restarts the window so a steady trickle keeps
		// merging into one flush
		if seg.timer == nil {
			seg.timer = time.AfterFunc(m.opts.Window, func() {
				m.flushSegment(key, next)
			})
		} else {
			seg.timer.Reset(m.opts.Window)
		}
		m.mu.Unlock()
	}

	out := <-it.done
	return out.res, out.err
}

// detachLocked removes and returns a segment's pending items. Caller holds
// the mutex.
func (m *batchMW) detachLocked(key string) []*item {
	seg, ok := m.segments[key]
	if !ok {
		return nil
	}
	delete(m.segments, key)
	if seg.timer != nil {
		seg.timer.Stop()
	}
	return seg.items
}

func (m *batchMW) flushSegment(key string, next pipeline.Handler) {
	m.mu.Lock()
	items := m.detachLocked(key)
	m.mu.Unlock()
	m.flushItems(items, next)
}

// flushItems executes one merged operation for a segment's queue and hands
// its outcome to every queued caller. A failure affects only this segment.
func (m *batchMW) flushItems(items []*item, next pipeline.Handler) {
	if len(items) == 0 {
		return
	}
	// last-write-wins for sets; update actions carry independent keys
	// and must merge per key instead
	merged := items[len(items)-1].action
	if merged.Type == pipeline.ActionUpdate && len(items) > 1 {
		merged = mergeUpdates(items)
	}
	res, err := next(merged)
	for _, it := range items {
		it.done <- outcome{res: res, err: err}
	}
}

// mergeUpdates folds queued update actions into one. Later entries win per
// key, a delete overrides an earlier write and vice versa.
func mergeUpdates(items []*item) *pipeline.Action {
	type entry struct {
		value   any
		deleted bool
	}
	var order []string
	state := map[string]entry{}
	for _, it := range items {
		for _, u := range it.action.Updates {
			if _, seen := state[u.Path]; !seen {
				order = append(order, u.Path)
			}
			state[u.Path] = entry{value: u.Value}
		}
		for _, key := range it.action.Deletes {
			if _, seen := state[key]; !seen {
				order = append(order, key)
			}
			state[key] = entry{deleted: true}
		}
	}

	var (
		updates []backend.Update
		deletes []string
	)
	for _, key := range order {
		e := state[key]
		if e.deleted {
			deletes = append(deletes, key)
		} else {
			updates = append(updates, backend.Update{Path: key, Value: e.value})
		}
	}
	return pipeline.NewUpdateAction(updates, deletes)
}

// flushAll drains every pending segment.
func (m *batchMW) flushAll(next pipeline.Handler) {
	m.mu.Lock()
	var pending [][]*item
	for key := range m.segments {
		pending = append(pending, m.detachLocked(key))
	}
	m.mu.Unlock()

	for _, items := range pending {
		m.flushItems(items, next)
	}
}

// Cleanup flushes what it still can and rejects everything afterwards.
func (m *batchMW) Cleanup() error {
	m.mu.Lock()
	next := m.next
	m.closed = true
	var pending [][]*item
	for key := range m.segments {
		pending = append(pending, m.detachLocked(key))
	}
	m.mu.Unlock()

	for _, items := range pending {
		if next != nil {
			m.flushItems(items, next)
			continue
		}
		for _, it := range items {
			it.done <- outcome{err: store.NewError(store.RetCClosed, "batch middleware is shut down")}
		}
	}
	return nil
}
