// Package engine provides the single-worker script execution engine. Scripts
// run one at a time on a dedicated goroutine; a new submission cancels the
// current script cooperatively and takes over the single pending slot. Each
// run gets a fresh interpreter instance and allocator pool, and run records
// are persisted through the store.
package engine
