// Package backend defines the adapter contract every storage medium must
// implement to back a state container.
//
// A backend exposes the raw primitive operations (DoGet, DoSet, DoUpdate,
// DoDelete, DoClear, DoKeys, DoHas) plus lifecycle hooks (DoInitialize,
// DoDestroy) over one concrete medium. The storage engine never talks to a
// medium directly: every operation reaches the backend through the
// middleware pipeline's base executor.
//
// Backends advertise their capabilities via Feature bit flags and classify
// their medium via Kind: KindEphemeral media are process-local and need the
// broadcast middleware to replicate payloads between peers, KindShared
// media are already visible to all peers through the platform and only need
// a refresh-and-notify on peer mutations.
//
// The empty path "" always denotes the whole state tree.
package backend
