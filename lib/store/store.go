package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"github.com/statekit/statekit/lib/backend"
	"github.com/statekit/statekit/lib/path"
	"github.com/statekit/statekit/lib/pipeline"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a store during construction.
type Options struct {
	// Logger receives structured operation logs (nil = slog.Default()).
	Logger *slog.Logger
}

// DefaultOptions returns the default store options.
func DefaultOptions() *Options {
	return &Options{Logger: slog.Default()}
}

// --------------------------------------------------------------------------
// Core store structure
// --------------------------------------------------------------------------

// storeImpl implements IStore over a backend and a middleware pipeline.
type storeImpl struct {
	name    string
	backend backend.Backend
	logger  *slog.Logger

	api      *pipeline.API
	pipeline *pipeline.Pipeline

	subs   *registry
	events *registry // lifecycle events ride the same registry machinery

	pluginMu sync.RWMutex
	plugins  []Plugin

	// lifecycle
	lifecycleMu sync.Mutex
	status      Status
	initDone    chan struct{} // non-nil while StatusLoading
	initErr     error

	// metrics
	opsCounter    func(op string) *metrics.Counter
	notifyCounter *metrics.Counter
}

// New creates a store with the given logical name over a backend factory.
// The store is idle until Initialize is called.
func New(name string, factory backend.Factory, opts *Options) IStore {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("store", name)

	s := &storeImpl{
		name:    name,
		backend: factory(),
		logger:  logger,
		subs:    newRegistry(),
		events:  newRegistry(),
		status:  StatusIdle,
	}

	s.opsCounter = func(op string) *metrics.Counter {
		return metrics.GetOrCreateCounter(fmt.Sprintf(`statekit_operations_total{store=%q,op=%q}`, name, op))
	}
	s.notifyCounter = metrics.GetOrCreateCounter(fmt.Sprintf(`statekit_notifications_total{store=%q}`, name))

	s.api = pipeline.NewAPI(name, s.backend, logger, s.notifyPath, s.notifyGlobal)
	s.pipeline = pipeline.New(s.api)
	return s
}

func (s *storeImpl) Name() string {
	return s.name
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func (s *storeImpl) Status() Status {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.status
}

// Initialize moves the store to StatusReady. Concurrent callers during
// loading all await the one in-flight attempt and observe its outcome.
func (s *storeImpl) Initialize() error {
	s.lifecycleMu.Lock()
	switch s.status {
	case StatusReady:
		s.lifecycleMu.Unlock()
		return nil
	case StatusDestroyed:
		s.lifecycleMu.Unlock()
		return NewError(RetCInvalidOperation, "store is destroyed")
	case StatusLoading:
		done := s.initDone
		s.lifecycleMu.Unlock()
		<-done
		s.lifecycleMu.Lock()
		defer s.lifecycleMu.Unlock()
		return s.initErr
	}

	// StatusIdle or StatusError: start (or retry) an attempt
	done := make(chan struct{})
	s.status = StatusLoading
	s.initDone = done
	s.lifecycleMu.Unlock()

	_, err := s.api.Dispatch(pipeline.NewInitAction())

	s.lifecycleMu.Lock()
	if err != nil {
		s.status = StatusError
		s.initErr = WrapError(RetCBackendError, "initialize failed", err)
		s.logger.Error("store initialization failed", "err", err)
	} else {
		s.status = StatusReady
		s.initErr = nil
	}
	s.initDone = nil
	retErr := s.initErr
	s.lifecycleMu.Unlock()
	close(done)

	if retErr == nil {
		s.emit(Event{Type: EventInitialized, Store: s.name})
	}
	return retErr
}

// Destroy tears the store down exactly once: middleware cleanup, backend
// destroy, subscriber registries. Safe even if Initialize never completed.
func (s *storeImpl) Destroy() error {
	s.lifecycleMu.Lock()
	if s.status == StatusDestroyed {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.status = StatusDestroyed
	s.lifecycleMu.Unlock()

	var errs []error
	if err := s.pipeline.Cleanup(); err != nil {
		s.logger.Error("middleware cleanup failed", "err", err)
		errs = append(errs, err)
	}
	if err := s.backend.DoDestroy(); err != nil {
		s.logger.Error("backend destroy failed", "err", err)
		errs = append(errs, err)
	}

	s.subs.clear()
	s.emit(Event{Type: EventDestroy, Store: s.name})
	s.events.clear()

	if len(errs) > 0 {
		return WrapError(RetCInternalError, "destroy incomplete", errs[0])
	}
	return nil
}

// ensureReady gates every data operation on the lifecycle status.
func (s *storeImpl) ensureReady(op string) error {
	s.lifecycleMu.Lock()
	status := s.status
	s.lifecycleMu.Unlock()
	if status != StatusReady {
		return NewError(RetCNotReady, fmt.Sprintf("cannot %s: store %q is %s, not ready", op, s.name, status))
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods - Reads
// --------------------------------------------------------------------------

func (s *storeImpl) Get(key string) (any, bool, error) {
	if err := s.ensureReady("get"); err != nil {
		return nil, false, err
	}
	s.opsCounter("get").Inc()

	res, err := s.api.Dispatch(pipeline.NewGetAction(key))
	if err != nil {
		s.logger.Error("get failed", "key", key, "err", err)
		return nil, false, WrapError(RetCBackendError, fmt.Sprintf("get %q", key), err)
	}
	return res, res != nil, nil
}

func (s *storeImpl) GetState() (map[string]any, error) {
	v, _, err := s.Get("")
	if err != nil {
		return nil, err
	}
	tree, ok := v.(map[string]any)
	if !ok {
		return make(map[string]any), nil
	}
	return tree, nil
}

func (s *storeImpl) Keys() ([]string, error) {
	if err := s.ensureReady("keys"); err != nil {
		return nil, err
	}
	s.opsCounter("keys").Inc()

	res, err := s.api.Dispatch(pipeline.NewKeysAction())
	if err != nil {
		s.logger.Error("keys failed", "err", err)
		return nil, WrapError(RetCBackendError, "keys", err)
	}
	keys, _ := res.([]string)
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

func (s *storeImpl) Has(key string) (bool, error) {
	if err := s.ensureReady("has"); err != nil {
		return false, err
	}
	s.opsCounter("has").Inc()
	return s.backend.DoHas(key)
}

func (s *storeImpl) GetBackendInfo() (backend.BackendInfo, error) {
	return s.backend.GetInfo(), nil
}

// --------------------------------------------------------------------------
// Interface Methods - Mutations
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key string, value any) error {
	if err := s.ensureReady("set"); err != nil {
		return err
	}
	s.opsCounter("set").Inc()

	// before-set hooks may transform the value or veto the write
	var err error
	value, err = s.runBeforeSet(key, value)
	if err != nil {
		return WrapError(RetCHookRejected, fmt.Sprintf("set %q", key), err)
	}

	res, err := s.api.Dispatch(pipeline.NewSetAction(key, value))
	if err != nil {
		s.logger.Error("set failed", "key", key, "err", err)
		return WrapError(RetCBackendError, fmt.Sprintf("set %q", key), err)
	}

	// a middleware may report the value unchanged; no notification then
	if _, unchanged := res.(pipeline.Unchanged); unchanged {
		return nil
	}

	// notify with the dispatch result, not the submitted value: a
	// buffering middleware may have merged several writes, and every
	// caller must observe the value that actually landed
	s.notifyPath(key, res, false)
	state, stateErr := s.api.State()
	if stateErr != nil {
		state = nil
	}
	s.notifyGlobal([]string{path.Top(key)}, state, []string{key})
	s.emit(Event{Type: EventStorageUpdate, Store: s.name, Keys: []string{path.Top(key)}, Paths: []string{key}})
	return nil
}

func (s *storeImpl) Update(fn func(tree map[string]any)) error {
	if err := s.ensureReady("update"); err != nil {
		return err
	}
	s.opsCounter("update").Inc()

	oldTree, err := s.GetState()
	if err != nil {
		return err
	}

	// mutate a deep clone; the state tree only changes on dispatch success
	newTree := path.CloneTree(oldTree)
	fn(newTree)

	changed := path.Diff(oldTree, newTree)
	if len(changed) == 0 {
		return nil
	}

	// group by the trees' own root keys rather than re-splitting the
	// diff paths: a literal dotted key like "a.b" is one entry, not a
	// sub-path of "a"
	topKeys := changedRootKeys(oldTree, newTree)

	// one batched action carrying only the changed top-level keys, with
	// sub-path changes grouped under their root
	var (
		updates []backend.Update
		deletes []string
	)
	for _, key := range topKeys {
		if v, ok := newTree[key]; ok {
			updates = append(updates, backend.Update{Path: key, Value: v})
		} else {
			deletes = append(deletes, key)
		}
	}

	if _, err := s.api.Dispatch(pipeline.NewUpdateAction(updates, deletes)); err != nil {
		s.logger.Error("update failed", "keys", topKeys, "err", err)
		return WrapError(RetCBackendError, "update", err)
	}

	// global first: changed top-level keys, full merged state, all paths
	s.notifyGlobal(topKeys, newTree, changed)

	// then every changed path with the value at that exact path in the
	// merged result, plus its top-level key
	notified := make(map[string]struct{}, len(changed))
	for _, p := range changed {
		v, found := treeValue(newTree, p)
		s.notifyPath(p, v, !found)
		notified[p] = struct{}{}
	}
	for _, key := range topKeys {
		if _, done := notified[key]; done {
			continue
		}
		v, found := treeValue(newTree, key)
		s.notifyPath(key, v, !found)
	}

	s.emit(Event{Type: EventStorageUpdate, Store: s.name, Keys: topKeys, Paths: changed})
	return nil
}

// changedRootKeys compares the root key sets of two trees directly and
// returns the keys whose values differ, sorted. Dotted root keys stay
// intact because no diff path is ever re-split.
func changedRootKeys(oldTree, newTree map[string]any) []string {
	seen := make(map[string]struct{}, len(oldTree)+len(newTree))
	keys := make([]string, 0, len(seen))
	for k := range oldTree {
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for k := range newTree {
		if _, dup := seen[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	changed := keys[:0]
	for _, k := range keys {
		oldVal, oldOk := oldTree[k]
		newVal, newOk := newTree[k]
		if oldOk != newOk || !path.DeepEqual(oldVal, newVal) {
			changed = append(changed, k)
		}
	}
	return changed
}

// treeValue resolves a diff path against a tree: segment traversal first,
// then the verbatim key, so literal dotted root entries are still found.
func treeValue(tree map[string]any, p string) (any, bool) {
	if v, found := path.Get(tree, p); found {
		return v, true
	}
	v, found := tree[p]
	return v, found
}

func (s *storeImpl) Delete(key string) error {
	if err := s.ensureReady("delete"); err != nil {
		return err
	}
	s.opsCounter("delete").Inc()

	allowed, err := s.runBeforeDelete(key)
	if err != nil {
		return WrapError(RetCHookRejected, fmt.Sprintf("delete %q", key), err)
	}
	if !allowed {
		return nil
	}

	if _, err := s.api.Dispatch(pipeline.NewDeleteAction(key)); err != nil {
		s.logger.Error("delete failed", "key", key, "err", err)
		return WrapError(RetCBackendError, fmt.Sprintf("delete %q", key), err)
	}

	if err := s.runAfterDelete(key); err != nil {
		return WrapError(RetCHookRejected, fmt.Sprintf("after delete %q", key), err)
	}

	s.notifyPath(key, nil, true)
	state, stateErr := s.api.State()
	if stateErr != nil {
		state = nil
	}
	s.notifyGlobal([]string{path.Top(key)}, state, []string{key})
	s.emit(Event{Type: EventStorageUpdate, Store: s.name, Keys: []string{path.Top(key)}, Paths: []string{key}})
	return nil
}

func (s *storeImpl) Clear() error {
	if err := s.ensureReady("clear"); err != nil {
		return err
	}
	s.opsCounter("clear").Inc()

	if err := s.runOnClear(); err != nil {
		return WrapError(RetCHookRejected, "clear", err)
	}

	if _, err := s.api.Dispatch(pipeline.NewClearAction()); err != nil {
		s.logger.Error("clear failed", "err", err)
		return WrapError(RetCBackendError, "clear", err)
	}

	// a clear is reported only as a lifecycle event plus one global
	// notification of the empty state, never synthesized per key
	s.notifyGlobal(nil, map[string]any{}, nil)
	s.emit(Event{Type: EventStorageClear, Store: s.name})
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods - Subscriptions
// --------------------------------------------------------------------------

func (s *storeImpl) Subscribe(p string, fn Subscriber) (Unsubscribe, error) {
	if fn == nil {
		return nil, NewError(RetCInvalidOperation, "subscriber must not be nil")
	}

	unsub := s.subs.add(p, fn)

	// initial replay: deliver the current value once when readable. The
	// read goes through the pipeline so buffering middlewares flush
	// their pending writes first.
	if s.Status() == StatusReady {
		if v, err := s.api.Dispatch(pipeline.NewGetAction(p)); err == nil {
			fn(Change{Path: p, Value: v, Initial: true})
		}
	}
	return unsub, nil
}

func (s *storeImpl) SubscribeWith(build func(P) P, fn Subscriber) (Unsubscribe, error) {
	if build == nil {
		return nil, NewError(RetCInvalidOperation, "path builder must not be nil")
	}
	return s.Subscribe(build(P{}).String(), fn)
}

func (s *storeImpl) SubscribeToAll(fn Subscriber) (Unsubscribe, error) {
	if fn == nil {
		return nil, NewError(RetCInvalidOperation, "subscriber must not be nil")
	}

	unsub := s.subs.add(globalKey, fn)

	if s.Status() == StatusReady {
		if v, err := s.api.Dispatch(pipeline.NewGetAction("")); err == nil {
			state, ok := v.(map[string]any)
			if !ok {
				state = make(map[string]any)
			}
			fn(Change{State: state, Initial: true})
		}
	}
	return unsub, nil
}

func (s *storeImpl) SubscribeEvents(fn func(Event)) Unsubscribe {
	return s.events.add(globalKey, func(c Change) {
		if ev, ok := c.Value.(Event); ok {
			fn(ev)
		}
	})
}

// --------------------------------------------------------------------------
// Interface Methods - Extension Points
// --------------------------------------------------------------------------

func (s *storeImpl) Use(mw pipeline.Middleware) error {
	return s.pipeline.Use(mw)
}

func (s *storeImpl) UsePlugin(p Plugin) {
	if p == nil {
		return
	}
	s.pluginMu.Lock()
	s.plugins = append(s.plugins, p)
	s.pluginMu.Unlock()
}

// --------------------------------------------------------------------------
// Notification Primitives
// --------------------------------------------------------------------------

// notifyPath delivers a change at one path. Also handed to middlewares via
// the pipeline api so replication can synthesize notifications.
func (s *storeImpl) notifyPath(p string, value any, deleted bool) {
	n := s.subs.notify(p, Change{Path: p, Value: value, Deleted: deleted})
	if n > 0 {
		s.notifyCounter.Add(n)
	}
}

// notifyGlobal delivers a structural change to global subscribers.
func (s *storeImpl) notifyGlobal(keys []string, state map[string]any, changedPaths []string) {
	n := s.subs.notify(globalKey, Change{Keys: keys, State: state, ChangedPaths: changedPaths})
	if n > 0 {
		s.notifyCounter.Add(n)
	}
}

// emit delivers a lifecycle event.
func (s *storeImpl) emit(ev Event) {
	s.events.notify(globalKey, Change{Value: ev})
}

// --------------------------------------------------------------------------
// Plugin Hook Invocation
// --------------------------------------------------------------------------

func (s *storeImpl) snapshotPlugins() []Plugin {
	s.pluginMu.RLock()
	defer s.pluginMu.RUnlock()
	return append([]Plugin(nil), s.plugins...)
}

func (s *storeImpl) runBeforeSet(key string, value any) (any, error) {
	for _, p := range s.snapshotPlugins() {
		hook, ok := p.(BeforeSetPlugin)
		if !ok {
			continue
		}
		v, err := hook.BeforeSet(key, value)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: %w", p.Name(), err)
		}
		value = v
	}
	return value, nil
}

func (s *storeImpl) runBeforeDelete(key string) (bool, error) {
	for _, p := range s.snapshotPlugins() {
		hook, ok := p.(BeforeDeletePlugin)
		if !ok {
			continue
		}
		allowed, err := hook.BeforeDelete(key)
		if err != nil {
			return false, fmt.Errorf("plugin %q: %w", p.Name(), err)
		}
		if !allowed {
			return false, nil
		}
	}
	return true, nil
}

func (s *storeImpl) runAfterDelete(key string) error {
	for _, p := range s.snapshotPlugins() {
		if hook, ok := p.(AfterDeletePlugin); ok {
			if err := hook.AfterDelete(key); err != nil {
				return fmt.Errorf("plugin %q: %w", p.Name(), err)
			}
		}
	}
	return nil
}

func (s *storeImpl) runOnClear() error {
	for _, p := range s.snapshotPlugins() {
		if hook, ok := p.(ClearPlugin); ok {
			if err := hook.OnClear(); err != nil {
				return fmt.Errorf("plugin %q: %w", p.Name(), err)
			}
		}
	}
	return nil
}
