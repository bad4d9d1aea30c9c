// Package memory implements the in-memory backend engine.
//
// The engine keeps the state tree as a concurrent map of top-level keys.
// Values are deep-copied on the way in and on the way out, so callers can
// never alias the stored tree. Nested path writes are applied atomically
// per top-level key via the map's Compute primitive.
//
// The medium is process-local (backend.KindEphemeral): peers sharing a
// broadcast channel must replicate payloads themselves.
package memory
