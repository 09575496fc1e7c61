// Package script defines the interface to the guest interpreter hosted by
// the execution engine. The interpreter itself is an external collaborator;
// this package fixes the contract the engine relies on: fresh instances per
// run, native function registration, an instruction hook, and cooperative
// cancellation via a token checked at hook granularity.
package script

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/seantiz/etna/internal/mempool"
)

// ErrInterrupted is returned by Instance.Run when a run is stopped through
// its CancelToken. It is a successful stop, not a failure.
var ErrInterrupted = errors.New("script: interrupted")

// Error is a runtime error raised by guest code. The run completed; the
// script itself failed.
type Error struct {
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("script error: %s", e.Message) }

// NativeFunc is a host function exposed into the guest's namespace. Args and
// results cross the boundary as opaque byte strings; richer encodings are a
// module concern.
type NativeFunc func(args [][]byte) ([][]byte, error)

// CancelToken requests cooperative interruption of a running script. The
// interpreter checks it from its instruction hook; a script that never
// reaches a hook cannot be interrupted.
type CancelToken struct {
	flag atomic.Bool
}

// Cancel arms the token. Safe to call from any goroutine, any number of
// times.
func (t *CancelToken) Cancel() { t.flag.Store(true) }

// Cancelled reports whether interruption has been requested.
func (t *CancelToken) Cancelled() bool { return t.flag.Load() }

// Reset disarms the token before a fresh run.
func (t *CancelToken) Reset() { t.flag.Store(false) }

// Interpreter creates guest interpreter instances. Every instance draws all
// of its memory from the pool it is created with.
type Interpreter interface {
	New(pool *mempool.Pool) (Instance, error)
}

// Instance is one isolated guest interpreter. Instances are single-use:
// created fresh before a run, destroyed after it, never shared between
// goroutines.
type Instance interface {
	// RegisterNative binds fn under name in the guest's namespace.
	RegisterNative(name string, fn NativeFunc) error

	// SetInstructionHook arranges for hook to be invoked every n guest
	// instructions. The engine uses it to yield and to check the cancel
	// token at a fixed granularity.
	SetInstructionHook(n int, hook func())

	// Run executes source to completion. It returns nil on success, a
	// *Error when the script raised an error, and ErrInterrupted when the
	// run was stopped through token.
	Run(source string, token *CancelToken) error

	// Destroy releases the instance. The engine resets the owning pool
	// immediately afterwards.
	Destroy()
}
