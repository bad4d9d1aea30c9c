// Package pipeline implements the middleware dispatch pipeline the storage
// engine runs every operation through.
//
// An operation is described by an Action. Dispatching an action runs it
// through an ordered chain of middlewares, composed lazily (on the first
// dispatch after a Use call) around the base executor that performs the raw
// backend operations. A middleware receives the next handler in the chain
// and either forwards a (possibly modified) action or short-circuits with
// its own result - the classic chain-of-responsibility pattern.
//
// A re-entrancy guard stamps an action as processed the first time it
// enters the chain; re-dispatching an already-processed action routes it
// straight to the base executor so a middleware can re-enter the pipeline
// without being intercepted twice.
//
// The API type is the surface handed to middlewares: dispatch, raw backend
// access, the subscriber-notification primitives and the store's identity.
// Replication middlewares use the raw surface to apply externally-sourced
// updates without re-entering the action layer.
package pipeline
