// Package sqlite contains the SQLite repository for reconstruction runs and
// their per-iteration history.
//
// The reconstruction packages never touch SQL; the CLI hands results to a
// RunStore after a fit completes.
package sqlite
