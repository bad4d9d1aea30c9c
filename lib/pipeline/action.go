package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/statekit/statekit/lib/backend"
)

// --------------------------------------------------------------------------
// Action Structure
// --------------------------------------------------------------------------

// Meta carries dispatch bookkeeping alongside an action.
type Meta struct {
	// Processed is the re-entrancy poison flag: set when the action first
	// enters the chain, checked to prevent double interception. Never
	// serialized - it is meaningless outside the local pipeline.
	Processed bool `json:"-"`

	// Timestamp is the dispatch time in unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Action describes one storage operation travelling through the pipeline.
// An action is immutable once dispatched: middlewares must not mutate one
// in place.
type Action struct {
	Type ActionType `json:"type"`

	// Key is the target path for get/set/delete actions.
	Key string `json:"key,omitempty"`

	// Value is the payload for set actions.
	Value any `json:"value,omitempty"`

	// Updates and Deletes carry the changed and removed top-level keys of
	// an update action.
	Updates []backend.Update `json:"updates,omitempty"`
	Deletes []string         `json:"deletes,omitempty"`

	Meta Meta `json:"meta"`
}

// Mutating reports whether the action changes state and therefore needs
// replication and subscriber notification.
func (a *Action) Mutating() bool {
	switch a.Type {
	case ActionSet, ActionUpdate, ActionDelete, ActionClear:
		return true
	default:
		return false
	}
}

func (a *Action) String() string {
	return fmt.Sprintf("Action{%s %q}", a.Type, a.Key)
}

// --------------------------------------------------------------------------
// Action Factory Functions
// --------------------------------------------------------------------------

func newAction(t ActionType) *Action {
	return &Action{
		Type: t,
		Meta: Meta{Timestamp: time.Now().UnixMilli()},
	}
}

// NewGetAction creates a get action for a path ("" = whole tree).
func NewGetAction(key string) *Action {
	a := newAction(ActionGet)
	a.Key = key
	return a
}

// NewSetAction creates a set action.
func NewSetAction(key string, value any) *Action {
	a := newAction(ActionSet)
	a.Key = key
	a.Value = value
	return a
}

// NewUpdateAction creates a batched update action carrying the changed
// top-level keys and the removed top-level keys of one Update call.
func NewUpdateAction(updates []backend.Update, deletes []string) *Action {
	a := newAction(ActionUpdate)
	a.Updates = updates
	a.Deletes = deletes
	return a
}

// NewDeleteAction creates a delete action.
func NewDeleteAction(key string) *Action {
	a := newAction(ActionDelete)
	a.Key = key
	return a
}

// NewClearAction creates a clear action.
func NewClearAction() *Action {
	return newAction(ActionClear)
}

// NewKeysAction creates a keys listing action.
func NewKeysAction() *Action {
	return newAction(ActionKeys)
}

// NewInitAction creates the action dispatched by Initialize.
func NewInitAction() *Action {
	return newAction(ActionInit)
}

// --------------------------------------------------------------------------
// Action Type Definition
// --------------------------------------------------------------------------

// ActionType defines the kind of operation an action describes.
type ActionType uint8

const (
	ActionUnknown ActionType = iota
	ActionGet                // Read a value by path
	ActionSet                // Write a key-value pair
	ActionUpdate             // Apply a batched multi-key update
	ActionDelete             // Remove a key
	ActionClear              // Remove every key
	ActionKeys               // List top-level keys
	ActionInit               // Initialize the backend
)

// String returns the string representation of an ActionType.
func (t ActionType) String() string {
	switch t {
	case ActionGet:
		return "get"
	case ActionSet:
		return "set"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	case ActionClear:
		return "clear"
	case ActionKeys:
		return "keys"
	case ActionInit:
		return "init"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaler interface for ActionType.
// This allows ActionType to be serialized as a string in JSON, which keeps
// broadcast envelopes readable for non-Go peers.
func (t ActionType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for ActionType.
func (t *ActionType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "get":
		*t = ActionGet
	case "set":
		*t = ActionSet
	case "update":
		*t = ActionUpdate
	case "delete":
		*t = ActionDelete
	case "clear":
		*t = ActionClear
	case "keys":
		*t = ActionKeys
	case "init":
		*t = ActionInit
	default:
		return fmt.Errorf("unknown action type: %s", s)
	}
	return nil
}
