// Package store implements the core storage engine of the state container.
//
// A store owns one JSON-like state tree behind a pluggable backend, runs
// every operation through its middleware pipeline, and notifies path-level
// and global subscribers with the minimal set of changed paths after each
// mutation. Plugins can veto or transform operations via before/after
// hooks.
//
// Lifecycle: a store starts idle, becomes ready after Initialize, and is
// destroyed exactly once. Every data operation before ready fails fast with
// a RetCNotReady error naming the current status.
//
// Construction follows the backend factory pattern:
//
//	s := store.New("session", memory.Factory(), nil)
//	if err := s.Initialize(); err != nil { ... }
//	defer s.Destroy()
//
//	unsub, _ := s.Subscribe("user.profile.name", func(c store.Change) {
//	    fmt.Println("name is now", c.Value)
//	})
//	defer unsub()
//
//	_ = s.Set("user.profile.name", "ada")
package store
