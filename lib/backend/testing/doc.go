// Package testing provides a shared conformance test suite for backend
// implementations.
//
// Every engine's test file runs the suite against its own factory:
//
//	func Test(t *testing.T) {
//	    backendtesting.RunBackendTests(t, "Memory", memory.Factory())
//	}
//
// The suite exercises the whole backend contract: lifecycle, the seven
// primitive operations, nested path handling, raw keys and edge cases.
package testing
