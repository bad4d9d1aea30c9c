// Package dedupe provides a middleware that drops writes whose value is
// shallow-equal to the last value written through it. A dropped write
// short-circuits the chain with an unchanged result, so the storage engine
// skips subscriber notifications for it.
package dedupe

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/statekit/statekit/lib/path"
	"github.com/statekit/statekit/lib/pipeline"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Comparator decides whether two values count as equal for deduplication.
type Comparator func(old, new any) bool

// Options configures the dedupe middleware.
type Options struct {
	// Equal is the value comparator (default path.ShallowEqual).
	Equal Comparator

	// Segments restricts deduplication to the listed keys. Empty means
	// every key participates.
	Segments []string
}

// DefaultOptions returns the default dedupe options.
func DefaultOptions() *Options {
	return &Options{Equal: path.ShallowEqual}
}

// --------------------------------------------------------------------------
// Middleware
// --------------------------------------------------------------------------

type dedupeMW struct {
	equal    Comparator
	segments map[string]struct{} // nil = all keys
	cache    *xsync.MapOf[string, any]
}

// New creates a dedupe middleware.
func New(opts *Options) pipeline.Middleware {
	if opts == nil {
		opts = DefaultOptions()
	}
	equal := opts.Equal
	if equal == nil {
		equal = path.ShallowEqual
	}
	var segments map[string]struct{}
	if len(opts.Segments) > 0 {
		segments = make(map[string]struct{}, len(opts.Segments))
		for _, s := range opts.Segments {
			segments[s] = struct{}{}
		}
	}
	return &dedupeMW{
		equal:    equal,
		segments: segments,
		cache:    xsync.NewMapOf[string, any](),
	}
}

func (m *dedupeMW) Name() string { return "dedupe" }

func (m *dedupeMW) Reduce(api *pipeline.API) func(next pipeline.Handler) pipeline.Handler {
	return func(next pipeline.Handler) pipeline.Handler {
		return func(a *pipeline.Action) (any, error) {
			switch a.Type {
			case pipeline.ActionSet:
				if !m.participates(a.Key) {
					return next(a)
				}
				if prev, seen := m.cache.Load(a.Key); seen && m.equal(prev, a.Value) {
					// cache entry stays untouched so a later genuinely new
					// value still compares against the stored one
					return pipeline.Unchanged{Prev: prev}, nil
				}
				res, err := next(a)
				if err == nil {
					m.cache.Store(a.Key, a.Value)
				}
				return res, err

			case pipeline.ActionDelete:
				res, err := next(a)
				if err == nil {
					m.cache.Delete(a.Key)
				}
				return res, err

			case pipeline.ActionUpdate:
				res, err := next(a)
				if err == nil {
					for _, u := range a.Updates {
						if m.participates(u.Path) {
							m.cache.Store(u.Path, u.Value)
						}
					}
					for _, key := range a.Deletes {
						m.cache.Delete(key)
					}
				}
				return res, err

			case pipeline.ActionClear:
				res, err := next(a)
				if err == nil {
					m.cache.Clear()
				}
				return res, err

			default:
				return next(a)
			}
		}
	}
}

func (m *dedupeMW) participates(key string) bool {
	if m.segments == nil {
		return true
	}
	_, ok := m.segments[key]
	return ok
}
