package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/statekit/statekit/lib/backend"
	"github.com/statekit/statekit/lib/backend/engines/memory"
	"github.com/statekit/statekit/lib/codec"
)

// snapshotVersion is bumped on incompatible snapshot layout changes.
const snapshotVersion = 1

// snapshot is the on-disk envelope of a state tree.
type snapshot struct {
	Version int            `json:"version"`
	Tree    map[string]any `json:"tree"`
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the file backend during initialization.
type Options struct {
	// Path is the snapshot file location. Required.
	Path string
	// Codec encodes snapshots (nil = JSON).
	Codec codec.ICodec
}

// DefaultOptions returns the default file backend options for a path.
func DefaultOptions(path string) *Options {
	return &Options{
		Path:  path,
		Codec: codec.NewJSONCodec(),
	}
}

// --------------------------------------------------------------------------
// Core file backend structure
// --------------------------------------------------------------------------

// fileImpl implements backend.Backend with a memory working copy and a
// write-through snapshot file.
type fileImpl struct {
	opts    Options
	working backend.Backend

	// mu serializes mutation+persist pairs so concurrent writers cannot
	// interleave a snapshot of a half-applied state
	mu sync.Mutex
}

// NewFileBackend creates a new file-backed backend instance.
func NewFileBackend(opts *Options) backend.Backend {
	if opts == nil {
		opts = DefaultOptions("statekit.snapshot")
	}
	if opts.Codec == nil {
		opts.Codec = codec.NewJSONCodec()
	}
	return &fileImpl{
		opts:    *opts,
		working: memory.NewMemoryBackend(),
	}
}

// Factory returns a backend.Factory producing file backends for a path.
func Factory(path string) backend.Factory {
	return func() backend.Backend {
		return NewFileBackend(DefaultOptions(path))
	}
}

// FactoryWithOptions returns a backend.Factory over explicit options.
func FactoryWithOptions(opts *Options) backend.Factory {
	return func() backend.Backend {
		return NewFileBackend(opts)
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// DoInitialize loads the snapshot file into the working copy. A missing
// file is an empty state, not an error.
func (f *fileImpl) DoInitialize() error {
	if f.opts.Path == "" {
		return errors.New("file backend: snapshot path is required")
	}
	if err := f.working.DoInitialize(); err != nil {
		return err
	}

	raw, err := os.ReadFile(f.opts.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("file backend: read snapshot: %w", err)
	}

	var snap snapshot
	if err := f.opts.Codec.Decode(raw, &snap); err != nil {
		return fmt.Errorf("file backend: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("file backend: unsupported snapshot version %d (expected %d)", snap.Version, snapshotVersion)
	}
	return f.working.DoSet("", snap.Tree)
}

func (f *fileImpl) DoDestroy() error {
	return f.working.DoDestroy()
}

// persist writes the current tree to the snapshot file atomically.
// Callers must hold f.mu.
func (f *fileImpl) persist() error {
	tree, _, err := f.working.DoGet("")
	if err != nil {
		return err
	}

	raw, err := f.opts.Codec.Encode(snapshot{
		Version: snapshotVersion,
		Tree:    tree.(map[string]any),
	})
	if err != nil {
		return fmt.Errorf("file backend: encode snapshot: %w", err)
	}

	dir := filepath.Dir(f.opts.Path)
	tmp, err := os.CreateTemp(dir, ".statekit-*")
	if err != nil {
		return fmt.Errorf("file backend: create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("file backend: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.opts.Path)
}

// --------------------------------------------------------------------------
// Primitive Operations
// --------------------------------------------------------------------------

func (f *fileImpl) DoGet(path string) (any, bool, error) {
	return f.working.DoGet(path)
}

func (f *fileImpl) DoSet(path string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.working.DoSet(path, value); err != nil {
		return err
	}
	return f.persist()
}

func (f *fileImpl) DoUpdate(updates []backend.Update, deletes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.working.DoUpdate(updates, deletes); err != nil {
		return err
	}
	return f.persist()
}

func (f *fileImpl) DoDelete(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deleted, err := f.working.DoDelete(path)
	if err != nil || !deleted {
		return deleted, err
	}
	return deleted, f.persist()
}

func (f *fileImpl) DoClear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.working.DoClear(); err != nil {
		return err
	}
	return f.persist()
}

func (f *fileImpl) DoKeys() ([]string, error) {
	return f.working.DoKeys()
}

func (f *fileImpl) DoHas(path string) (bool, error) {
	return f.working.DoHas(path)
}

// --------------------------------------------------------------------------
// Capabilities and Metadata
// --------------------------------------------------------------------------

func (f *fileImpl) SupportsFeature(feature backend.Feature) bool {
	supported := backend.FeatureGet |
		backend.FeatureSet |
		backend.FeatureUpdate |
		backend.FeatureDelete |
		backend.FeatureClear |
		backend.FeatureKeys |
		backend.FeatureHas |
		backend.FeaturePersist
	return supported&feature == feature
}

func (f *fileImpl) GetKind() backend.Kind {
	return backend.KindShared
}

func (f *fileImpl) GetInfo() backend.BackendInfo {
	return backend.BackendInfo{
		BackendType: backend.ImplFile,
		Kind:        backend.KindShared,
		SupportedFeatures: []backend.Feature{
			backend.FeatureGet, backend.FeatureSet, backend.FeatureUpdate,
			backend.FeatureDelete, backend.FeatureClear,
			backend.FeatureKeys, backend.FeatureHas, backend.FeaturePersist,
		},
		Metadata: &struct {
			Path  string `json:"path"`
			Codec string `json:"codec"`
		}{
			Path:  f.opts.Path,
			Codec: f.opts.Codec.Name(),
		},
	}
}
