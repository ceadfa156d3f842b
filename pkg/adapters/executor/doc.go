// Package executor provides task executor implementations.
//
// The worker loop treats the executor as opaque: it hands over one envelope
// and only looks at whether an error came back. Extraction itself, including
// any AI backend calls and persistence, happens behind this boundary.
//
// Implementations:
//   - command: runs an external program per task
//   - noop: accepts every task, for dry runs
package executor
