package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/statekit/statekit/lib/backend"
)

// --------------------------------------------------------------------------
// Middleware Contract
// --------------------------------------------------------------------------

// Handler executes an action and returns its result.
type Handler func(a *Action) (any, error)

// Middleware intercepts actions travelling through the pipeline. Reduce
// returns the chain link: given the next handler it produces a handler that
// may forward the action (possibly modified), transform the result, or
// short-circuit entirely.
type Middleware interface {
	// Name identifies the middleware in logs and errors.
	Name() string
	// Reduce builds the middleware's chain link over the given api.
	Reduce(api *API) func(next Handler) Handler
}

// SetupMiddleware is implemented by middlewares that need one-time
// initialization when registered (e.g. subscribing to a sync channel).
type SetupMiddleware interface {
	Setup(api *API) error
}

// CleanupMiddleware is implemented by middlewares that hold resources. The
// storage engine calls Cleanup on every registered middleware that defines
// it when the store is destroyed.
type CleanupMiddleware interface {
	Cleanup() error
}

// Unchanged is returned from a middleware in place of the regular result
// when it determined the action would not alter the stored value. The
// storage engine suppresses subscriber notifications for such results.
type Unchanged struct {
	// Prev is the value already stored at the action's path.
	Prev any
}

// --------------------------------------------------------------------------
// Pipeline
// --------------------------------------------------------------------------

// Pipeline is the ordered interceptor chain around the base executor.
//
// Thread-safety: Use and Dispatch are safe for concurrent use. The chain is
// rebuilt lazily on the first dispatch after a Use call.
type Pipeline struct {
	api *API

	mu          sync.Mutex
	middlewares []Middleware
	chain       Handler // composed chain, nil when dirty
}

// New creates a pipeline over the given api and links the two.
func New(api *API) *Pipeline {
	p := &Pipeline{api: api}
	api.pipeline = p
	return p
}

// Use registers a middleware at the end of the chain (outermost first) and
// runs its setup hook. The composed chain is invalidated and rebuilt on the
// next dispatch.
func (p *Pipeline) Use(mw Middleware) error {
	if mw == nil {
		return errors.New("pipeline: middleware must not be nil")
	}

	if setup, ok := mw.(SetupMiddleware); ok {
		if err := setup.Setup(p.api); err != nil {
			return fmt.Errorf("pipeline: setup of middleware %q failed: %w", mw.Name(), err)
		}
	}

	p.mu.Lock()
	p.middlewares = append(p.middlewares, mw)
	p.chain = nil
	p.mu.Unlock()
	return nil
}

// Dispatch runs an action through the chain. The first entry stamps the
// processed flag; an action re-dispatched by an inner middleware bypasses
// the chain and goes straight to the base executor, preventing infinite
// re-wrapping.
func (p *Pipeline) Dispatch(a *Action) (any, error) {
	if a == nil {
		return nil, errors.New("pipeline: action must not be nil")
	}
	if a.Meta.Processed {
		return p.api.Base(a)
	}
	a.Meta.Processed = true
	return p.handler()(a)
}

// Cleanup runs every middleware's cleanup hook, keeping going on errors and
// returning them joined.
func (p *Pipeline) Cleanup() error {
	p.mu.Lock()
	middlewares := append([]Middleware(nil), p.middlewares...)
	p.mu.Unlock()

	var errs []error
	for _, mw := range middlewares {
		if cleanup, ok := mw.(CleanupMiddleware); ok {
			if err := cleanup.Cleanup(); err != nil {
				errs = append(errs, fmt.Errorf("cleanup of middleware %q: %w", mw.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// handler returns the composed chain, rebuilding it if a Use call
// invalidated the previous composition.
func (p *Pipeline) handler() Handler {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.chain == nil {
		// fold the reversed middleware list around the base executor so
		// that middlewares[0] ends up outermost
		h := p.api.Base
		for i := len(p.middlewares) - 1; i >= 0; i-- {
			h = p.middlewares[i].Reduce(p.api)(h)
		}
		p.chain = h
	}
	return p.chain
}

// --------------------------------------------------------------------------
// Middleware API
// --------------------------------------------------------------------------

// PathNotifier delivers a change at one path to its subscribers.
type PathNotifier func(path string, value any, deleted bool)

// GlobalNotifier delivers a structural change to global subscribers.
type GlobalNotifier func(keys []string, value map[string]any, changedPaths []string)

// API is the surface the storage engine hands to middlewares. It exposes
// full dispatch, the raw backend operations and the notification
// primitives, so a middleware can both re-enter the action layer and
// bypass it when applying externally-sourced updates.
type API struct {
	// StoreName identifies the owning store (also the sync channel name).
	StoreName string

	// Backend is the raw medium below the base executor.
	Backend backend.Backend

	// Logger is the store's structured logger.
	Logger *slog.Logger

	pipeline     *Pipeline
	notifyPath   PathNotifier
	notifyGlobal GlobalNotifier
}

// NewAPI assembles the middleware api for a store.
func NewAPI(storeName string, b backend.Backend, logger *slog.Logger, notifyPath PathNotifier, notifyGlobal GlobalNotifier) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		StoreName:    storeName,
		Backend:      b,
		Logger:       logger,
		notifyPath:   notifyPath,
		notifyGlobal: notifyGlobal,
	}
}

// Dispatch runs an action through the full pipeline.
func (api *API) Dispatch(a *Action) (any, error) {
	return api.pipeline.Dispatch(a)
}

// State reads the whole tree directly from the backend, bypassing the
// middleware chain.
func (api *API) State() (map[string]any, error) {
	v, _, err := api.Backend.DoGet("")
	if err != nil {
		return nil, err
	}
	tree, ok := v.(map[string]any)
	if !ok {
		return make(map[string]any), nil
	}
	return tree, nil
}

// Kind reports the backend medium classification.
func (api *API) Kind() backend.Kind {
	return api.Backend.GetKind()
}

// NotifyPath delivers a change at one path to its subscribers, bypassing
// the action layer.
func (api *API) NotifyPath(path string, value any, deleted bool) {
	if api.notifyPath != nil {
		api.notifyPath(path, value, deleted)
	}
}

// NotifyGlobal delivers a structural change to global subscribers,
// bypassing the action layer.
func (api *API) NotifyGlobal(keys []string, value map[string]any, changedPaths []string) {
	if api.notifyGlobal != nil {
		api.notifyGlobal(keys, value, changedPaths)
	}
}

// --------------------------------------------------------------------------
// Base Executor
// --------------------------------------------------------------------------

// Base is the innermost handler: it maps action types onto the raw backend
// operations. Middleware re-dispatches of processed actions land here.
func (api *API) Base(a *Action) (any, error) {
	switch a.Type {
	case ActionGet:
		v, loaded, err := api.Backend.DoGet(a.Key)
		if err != nil {
			return nil, err
		}
		if !loaded {
			return nil, nil
		}
		return v, nil

	case ActionSet:
		if err := api.Backend.DoSet(a.Key, a.Value); err != nil {
			return nil, err
		}
		return a.Value, nil

	case ActionUpdate:
		if err := api.Backend.DoUpdate(a.Updates, a.Deletes); err != nil {
			return nil, err
		}
		return a.Updates, nil

	case ActionDelete:
		return api.Backend.DoDelete(a.Key)

	case ActionClear:
		return nil, api.Backend.DoClear()

	case ActionKeys:
		return api.Backend.DoKeys()

	case ActionInit:
		return nil, api.Backend.DoInitialize()

	default:
		return nil, fmt.Errorf("pipeline: unknown action type %d", a.Type)
	}
}
