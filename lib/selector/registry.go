package selector

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/statekit/statekit/lib/store"
)

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Registry deduplicates selectors by id: acquiring an id that is already
// live returns the existing instance with its refcount bumped. A selector's
// Destroy releases one reference; the last release tears the instance down
// and removes it from the registry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sel  ISelector
	refs int
}

// NewRegistry creates an empty selector registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Simple returns the selector for the given projection over a store,
// creating it on first acquisition. An empty name derives the id from the
// projection's function identity and the store's name.
func (r *Registry) Simple(st store.IStore, name string, project Projection, opts *Options) (ISelector, error) {
	id := name
	if id == "" {
		id = deriveID("simple", funcIdentity(project), st.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.refs++
		return e.sel, nil
	}

	sel, err := newSimple(id, st, project, opts)
	if err != nil {
		return nil, err
	}
	sel.release = func() { r.releaseSimple(id, sel) }
	r.entries[id] = &entry{sel: sel, refs: 1}
	return sel, nil
}

// Combined returns the selector merging the given dependencies, creating it
// on first acquisition. An empty name derives the id from the combiner's
// function identity and the ordered dependency ids.
func (r *Registry) Combined(name string, deps []ISelector, combine Combiner, opts *CombinedOptions) ISelector {
	id := name
	if id == "" {
		depIDs := make([]string, len(deps))
		for i, dep := range deps {
			depIDs[i] = dep.ID()
		}
		id = deriveID("combined", funcIdentity(combine), strings.Join(depIDs, ","))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.refs++
		return e.sel
	}

	sel := newCombined(id, deps, combine, opts)
	sel.release = func() { r.releaseCombined(id, sel) }
	r.entries[id] = &entry{sel: sel, refs: 1}
	return sel
}

// Size returns the number of live selectors.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) releaseSimple(id string, sel *simpleImpl) {
	if r.releaseEntry(id) {
		sel.teardown()
	}
}

func (r *Registry) releaseCombined(id string, sel *combinedImpl) {
	if r.releaseEntry(id) {
		sel.teardown()
	}
}

// releaseEntry decrements an entry's refcount and reports whether the
// instance must be torn down.
func (r *Registry) releaseEntry(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.refs--
	if e.refs > 0 {
		return false
	}
	delete(r.entries, id)
	return true
}

// --------------------------------------------------------------------------
// Identity Derivation
// --------------------------------------------------------------------------

// funcIdentity is the code pointer of a function value: two selectors built
// from the same function literal share it. A nil or non-function value
// falls back to a random identity.
func funcIdentity(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return uuid.NewString()
	}
	return fmt.Sprintf("0x%x", v.Pointer())
}

func deriveID(kind, identity, scope string) string {
	return kind + ":" + identity + ":" + scope
}
