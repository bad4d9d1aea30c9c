package backend

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMemory Implementation = "memory"
	ImplFile   Implementation = "file"
)

// Kind classifies a backend's medium for the broadcast sync middleware.
type Kind int

const (
	// KindEphemeral marks process-local media: peers share nothing, so
	// replication must carry the payload itself.
	KindEphemeral Kind = iota
	// KindShared marks host-shared media: a peer's write is already visible
	// through the medium, replication only triggers a refresh-and-notify.
	KindShared
)

func (k Kind) String() string {
	switch k {
	case KindEphemeral:
		return "ephemeral"
	case KindShared:
		return "shared"
	default:
		return "unknown"
	}
}

// Feature represents backend capabilities as bit flags
type Feature uint64

const (
	FeatureGet     Feature = 1 << iota // Support for DoGet operations
	FeatureSet                         // Support for DoSet operations
	FeatureUpdate                      // Support for DoUpdate operations
	FeatureDelete                      // Support for DoDelete operations
	FeatureClear                       // Support for DoClear operations
	FeatureKeys                        // Support for DoKeys operations
	FeatureHas                         // Support for DoHas operations
	FeaturePersist                     // Medium survives process restarts
)

func (f Feature) String() string {
	switch f {
	case FeatureGet:
		return "Get"
	case FeatureSet:
		return "Set"
	case FeatureUpdate:
		return "Update"
	case FeatureDelete:
		return "Delete"
	case FeatureClear:
		return "Clear"
	case FeatureKeys:
		return "Keys"
	case FeatureHas:
		return "Has"
	case FeaturePersist:
		return "Persist"
	default:
		return "Unknown"
	}
}

// Update is one entry of a batched DoUpdate call: the value replaces
// whatever is stored under the verbatim top-level key Path.
type Update struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// BackendInfo describes a backend instance and its medium.
type BackendInfo struct {
	BackendType       Implementation `json:"backend_type"`
	Kind              Kind           `json:"kind"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          any            `json:"metadata"`
}

// --------------------------------------------------------------------------
// Backend Interface
// --------------------------------------------------------------------------

// Backend is the contract between the storage engine and a concrete medium.
// Implementations must treat the empty path as the whole state tree and
// must be safe for concurrent use.
type Backend interface {

	// --------------------------------------------------------------------------
	// Lifecycle
	// --------------------------------------------------------------------------

	// DoInitialize prepares the medium. It is called exactly once before
	// any other operation and must be idempotent.
	DoInitialize() error

	// DoDestroy releases the medium's resources. After DoDestroy no other
	// method may be called. It must be safe to call even if DoInitialize
	// never completed.
	DoDestroy() error

	// --------------------------------------------------------------------------
	// Primitive Operations
	// --------------------------------------------------------------------------

	// DoGet retrieves the value at a path. The boolean return value reports
	// whether a value was found. Path "" returns the whole tree as a
	// map[string]any.
	DoGet(path string) (value any, loaded bool, err error)

	// DoSet writes a value at a path, creating intermediate containers as
	// needed.
	DoSet(path string, value any) error

	// DoUpdate applies a list of writes and removals as one operation.
	// Every Update.Path and every delete key is a verbatim top-level key
	// and must never be split into segments. The medium may apply entries
	// in order, callers must not rely on atomicity across independent
	// keys.
	DoUpdate(updates []Update, deletes []string) error

	// DoDelete removes the entry at a path. It reports whether an entry
	// was present.
	DoDelete(path string) (deleted bool, err error)

	// DoClear removes every entry.
	DoClear() error

	// DoKeys lists all top-level keys.
	DoKeys() ([]string, error)

	// DoHas reports whether a value exists at a path.
	DoHas(path string) (loaded bool, err error)

	// --------------------------------------------------------------------------
	// Capabilities and Metadata
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the backend supports the specified feature.
	// Multiple features can be checked at once using the bitwise OR operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetKind classifies the backend's medium for replication purposes.
	GetKind() Kind

	// GetInfo returns information about the backend.
	GetInfo() (info BackendInfo)
}

// Factory is a function type that creates a new backend. It is used to
// abstract backend creation from the storage engine.
type Factory func() Backend
