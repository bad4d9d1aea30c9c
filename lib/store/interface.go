package store

import (
	"fmt"

	"github.com/statekit/statekit/lib/backend"
	"github.com/statekit/statekit/lib/pipeline"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the generic interface for interacting with a reactive state
// container. All operations return a nil error on success; data operations
// fail fast with a RetCNotReady error while the store is not ready.
type IStore interface {
	// Initialize prepares the backend and moves the store to StatusReady.
	// It is idempotent; concurrent calls during loading all await the same
	// completion. After a failure the store is in StatusError and a fresh
	// Initialize attempt is allowed.
	Initialize() error
	// Status returns the current lifecycle status.
	Status() Status
	// Get resolves the value at a path through the middleware pipeline.
	// The boolean return value indicates whether a value was found.
	Get(key string) (value any, loaded bool, err error)
	// GetState returns the whole state tree (equivalent to Get("")).
	GetState() (map[string]any, error)
	// Set writes a value at a key and notifies the key's subscribers and
	// the global path, unless a middleware reported the value unchanged.
	Set(key string, value any) error
	// Update applies a mutator to a deep clone of the tree, computes the
	// minimal set of changed paths, dispatches one batched update action,
	// and notifies affected subscribers. A mutation that changes nothing
	// is a no-op.
	Update(fn func(tree map[string]any)) error
	// Delete removes a key, gated by the before-delete plugin hook.
	Delete(key string) error
	// Clear removes every key. Reported only as a lifecycle event plus a
	// global notification of the empty state, never per key.
	Clear() error
	// Keys lists all top-level keys.
	Keys() ([]string, error)
	// Has reports whether a value exists at a path.
	Has(key string) (loaded bool, err error)
	// Subscribe registers a callback for changes at one path. The callback
	// is invoked once with the current value (initial replay), then only
	// on actual change. The returned function removes the subscription.
	Subscribe(path string, fn Subscriber) (Unsubscribe, error)
	// SubscribeWith is the builder-based Subscribe variant: the accessor
	// chain names the path without a manual path string.
	SubscribeWith(build func(P) P, fn Subscriber) (Unsubscribe, error)
	// SubscribeToAll registers a callback on the reserved global path: it
	// receives every structural change with the changed keys, the full new
	// state and the changed-path list.
	SubscribeToAll(fn Subscriber) (Unsubscribe, error)
	// SubscribeEvents registers a callback for lifecycle events.
	SubscribeEvents(fn func(Event)) Unsubscribe
	// Use registers a middleware on the store's pipeline.
	Use(mw pipeline.Middleware) error
	// UsePlugin registers a plugin whose hooks gate mutations.
	UsePlugin(p Plugin)
	// Name returns the store's logical name.
	Name() string
	// GetBackendInfo returns metadata about the backend under the store.
	GetBackendInfo() (backend.BackendInfo, error)
	// Destroy releases every resource: middleware cleanup, backend
	// destroy, subscriber registries. Safe to call at any lifecycle point,
	// effective exactly once.
	Destroy() error
}

// --------------------------------------------------------------------------
// Subscription Types
// --------------------------------------------------------------------------

// Change describes one delivery to a subscriber.
type Change struct {
	// Path is the subscription path the delivery is for (empty on global
	// deliveries).
	Path string
	// Value is the value at Path after the change (nil when deleted).
	Value any
	// Deleted reports that the entry at Path was removed.
	Deleted bool
	// Initial marks the replay delivery a new subscription receives.
	Initial bool

	// Keys, State and ChangedPaths are set on global deliveries only: the
	// changed top-level keys, the full new state and the minimal list of
	// changed paths.
	Keys         []string
	State        map[string]any
	ChangedPaths []string
}

// Subscriber receives change deliveries.
type Subscriber func(c Change)

// Unsubscribe removes a subscription. Calling it more than once is safe.
type Unsubscribe func()

// --------------------------------------------------------------------------
// Plugin Hooks
// --------------------------------------------------------------------------

// Plugin is the base plugin contract. Hook behavior is added by
// implementing the optional interfaces below; a hook error aborts the
// surrounding operation.
type Plugin interface {
	Name() string
}

// BeforeSetPlugin may transform (or veto, by erroring) the value of a set.
type BeforeSetPlugin interface {
	BeforeSet(key string, value any) (any, error)
}

// BeforeDeletePlugin gates deletes: returning false denies the delete
// without an error.
type BeforeDeletePlugin interface {
	BeforeDelete(key string) (bool, error)
}

// AfterDeletePlugin runs after a successful delete.
type AfterDeletePlugin interface {
	AfterDelete(key string) error
}

// ClearPlugin runs before a clear.
type ClearPlugin interface {
	OnClear() error
}

// --------------------------------------------------------------------------
// Lifecycle Types
// --------------------------------------------------------------------------

// Status is the lifecycle state of a store.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusError
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// EventType identifies a lifecycle event.
type EventType int

const (
	EventInitialized EventType = iota
	EventStorageUpdate
	EventStorageClear
	EventDestroy
)

func (e EventType) String() string {
	switch e {
	case EventInitialized:
		return "initialized"
	case EventStorageUpdate:
		return "storage-update"
	case EventStorageClear:
		return "storage-clear"
	case EventDestroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification.
type Event struct {
	Type  EventType
	Store string
	Keys  []string
	Paths []string
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode),
// an error message and an optional cause.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message
	Err  error   // The wrapped cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("StateStoreError (code %s): %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("StateStoreError (code %s): %s", e.Code, e.Msg)
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// WrapError creates a new Error wrapping a cause.
func WrapError(code RetCode, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                       // 1: Operation failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by the underlying backend.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCNotReady                            // 4: Operation attempted outside StatusReady.
	RetCBackendError                        // 5: A raw backend operation failed.
	RetCHookRejected                        // 6: A plugin hook aborted the operation.
	RetCTimeout                             // 7: A bounded wait elapsed (sync handshake).
	RetCClosed                              // 8: The resource was already closed.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCNotReady:
		return "NotReady"
	case RetCBackendError:
		return "BackendError"
	case RetCHookRejected:
		return "HookRejected"
	case RetCTimeout:
		return "Timeout"
	case RetCClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
