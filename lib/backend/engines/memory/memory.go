package memory

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/statekit/statekit/lib/backend"
	"github.com/statekit/statekit/lib/path"
)

// --------------------------------------------------------------------------
// Core memory backend structure
// --------------------------------------------------------------------------

// memoryImpl implements backend.Backend over a concurrent top-level key map
type memoryImpl struct {
	data      *xsync.MapOf[string, any]
	destroyed atomic.Bool
}

// NewMemoryBackend creates a new in-memory backend instance.
//
// Thread-safety: the returned backend is safe for concurrent use.
func NewMemoryBackend() backend.Backend {
	return &memoryImpl{
		data: xsync.NewMapOf[string, any](),
	}
}

// Factory returns a backend.Factory producing memory backends.
func Factory() backend.Factory {
	return func() backend.Backend {
		return NewMemoryBackend()
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func (m *memoryImpl) DoInitialize() error {
	return nil
}

func (m *memoryImpl) DoDestroy() error {
	if m.destroyed.CompareAndSwap(false, true) {
		m.data.Clear()
	}
	return nil
}

// --------------------------------------------------------------------------
// Primitive Operations
// --------------------------------------------------------------------------

// DoGet retrieves the value at a path. The returned value is a deep copy of
// the stored data and therefore safe to use and modify.
//
// Thread-safety: this method is thread-safe and can be called concurrently.
func (m *memoryImpl) DoGet(p string) (any, bool, error) {
	if p == "" {
		return m.snapshot(), true, nil
	}

	segments, parseable := path.Split(p)
	if !parseable {
		v, loaded := m.data.Load(p)
		if !loaded {
			return nil, false, nil
		}
		return path.Clone(v), true, nil
	}

	if top, loaded := m.data.Load(segments[0]); loaded {
		if v, found := path.GetAt(top, segments[1:]); found {
			return path.Clone(v), true, nil
		}
	}

	// no nested match; a batched update may have stored the dotted
	// key verbatim
	v, loaded := m.data.Load(p)
	if !loaded {
		return nil, false, nil
	}
	return path.Clone(v), true, nil
}

// DoSet writes a value at a path. Nested writes are applied atomically with
// respect to their top-level key.
//
// Thread-safety: this method is thread-safe and can be called concurrently.
func (m *memoryImpl) DoSet(p string, value any) error {
	if p == "" {
		tree, ok := value.(map[string]any)
		if !ok {
			tree = make(map[string]any)
		}
		m.data.Clear()
		for k, v := range tree {
			m.data.Store(k, path.Clone(v))
		}
		return nil
	}

	segments, parseable := path.Split(p)
	if !parseable || len(segments) == 1 {
		m.data.Store(p, path.Clone(value))
		return nil
	}

	m.data.Compute(segments[0], func(old any, _ bool) (any, bool) {
		return path.SetAt(path.Clone(old), segments[1:], path.Clone(value)), false
	})
	return nil
}

// DoUpdate stores and removes verbatim top-level entries. Unlike DoSet and
// DoDelete the keys are never split, so a dotted key like "a.b" is one entry.
func (m *memoryImpl) DoUpdate(updates []backend.Update, deletes []string) error {
	for _, u := range updates {
		if u.Path == "" {
			continue
		}
		m.data.Store(u.Path, path.Clone(u.Value))
	}
	for _, key := range deletes {
		m.data.Delete(key)
	}
	return nil
}

// DoDelete removes the entry at a path. Top-level keys are removed from the
// map, nested entries from their containing branch.
//
// Thread-safety: this method is thread-safe and can be called concurrently.
func (m *memoryImpl) DoDelete(p string) (bool, error) {
	if p == "" {
		return false, nil
	}

	segments, parseable := path.Split(p)
	if !parseable || len(segments) == 1 {
		_, loaded := m.data.LoadAndDelete(p)
		return loaded, nil
	}

	var deleted bool
	m.data.Compute(segments[0], func(old any, loaded bool) (any, bool) {
		if !loaded {
			return nil, true
		}
		branch := map[string]any{segments[0]: path.Clone(old)}
		deleted = path.Delete(branch, path.Join(segments))
		return branch[segments[0]], false
	})
	if deleted {
		return true, nil
	}

	// fall back to a verbatim dotted key stored by a batched update
	_, loaded := m.data.LoadAndDelete(p)
	return loaded, nil
}

func (m *memoryImpl) DoClear() error {
	m.data.Clear()
	return nil
}

func (m *memoryImpl) DoKeys() ([]string, error) {
	keys := make([]string, 0, m.data.Size())
	m.data.Range(func(k string, _ any) bool {
		keys = append(keys, k)
		return true
	})
	return keys, nil
}

func (m *memoryImpl) DoHas(p string) (bool, error) {
	_, loaded, err := m.DoGet(p)
	return loaded, err
}

// snapshot collects the whole tree as a deep copy.
func (m *memoryImpl) snapshot() map[string]any {
	tree := make(map[string]any, m.data.Size())
	m.data.Range(func(k string, v any) bool {
		tree[k] = path.Clone(v)
		return true
	})
	return tree
}

// --------------------------------------------------------------------------
// Capabilities and Metadata
// --------------------------------------------------------------------------

func (m *memoryImpl) SupportsFeature(feature backend.Feature) bool {
	supported := backend.FeatureGet |
		backend.FeatureSet |
		backend.FeatureUpdate |
		backend.FeatureDelete |
		backend.FeatureClear |
		backend.FeatureKeys |
		backend.FeatureHas
	return supported&feature == feature
}

func (m *memoryImpl) GetKind() backend.Kind {
	return backend.KindEphemeral
}

func (m *memoryImpl) GetInfo() backend.BackendInfo {
	return backend.BackendInfo{
		BackendType: backend.ImplMemory,
		Kind:        backend.KindEphemeral,
		SupportedFeatures: []backend.Feature{
			backend.FeatureGet, backend.FeatureSet, backend.FeatureUpdate,
			backend.FeatureDelete, backend.FeatureClear,
			backend.FeatureKeys, backend.FeatureHas,
		},
		Metadata: &struct {
			TopLevelKeys int `json:"top_level_keys"`
		}{
			TopLevelKeys: m.data.Size(),
		},
	}
}
