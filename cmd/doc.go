// Package cmd implements the command-line interface for statekit. It
// provides a hierarchical command structure for operating a local state
// store from the shell.
//
// The package is organized into several subpackages:
//
//   - kv: Commands for store operations (get, set, delete, keys, watch, perf)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See statekit -help for a list of all commands.
package cmd
