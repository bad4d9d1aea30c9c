// Package path implements the path addressing used by the state container.
//
// A path is a dotted/bracketed string identifying a location in a nested
// JSON-like tree ("a.b[2].c" -> segments ["a","b","2","c"]). Keys that do
// not split cleanly (empty segments, unbalanced brackets) are treated as
// raw keys: a single verbatim segment addressing one top-level entry.
//
// Besides parsing, the package provides nested reads and writes (creating
// intermediate containers as needed), deep cloning and comparison helpers,
// and the structural diff used by the storage engine to compute the minimal
// set of changed paths between two trees.
//
// All functions in this package are pure and safe for concurrent use.
package path
