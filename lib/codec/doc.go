// Package codec provides pluggable value encodings.
//
// Two implementations are provided: JSON (human readable, interoperable
// with non-Go peers on a broadcast channel) and gob (compact, Go-only).
// The file backend uses a codec for its snapshot format and the NATS
// broadcast channel uses one for its message envelopes.
package codec
