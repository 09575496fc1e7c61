// Package mempool implements the two-tier allocator that backs a guest
// interpreter instance. Small, short-lived allocations bump-allocate from a
// fixed fast-tier region; everything else falls back to heap tiers with
// running accounting. The pool is owned by exactly one interpreter instance
// and is reset in bulk when that instance is destroyed.
package mempool

import (
	"errors"
	"sync/atomic"
)

// Defaults match the allocation profile the pool is tuned for: many small,
// short-lived interpreter objects.
const (
	DefaultFastCapacity   = 64 * 1024
	DefaultSmallThreshold = 512
)

// ErrOutOfMemory is returned when every fallback tier is exhausted. The
// caller is expected to surface it to the guest as an out-of-memory
// condition, not to crash.
var ErrOutOfMemory = errors.New("mempool: out of memory")

// Config sizes a Pool. Zero values take the package defaults; capacities of
// zero on the fallback tiers mean "unbounded" for Local and "absent" for
// External.
type Config struct {
	// FastCapacity is the size of the bump region in bytes.
	FastCapacity int
	// SmallThreshold is the size below which allocations try the bump
	// region first.
	SmallThreshold int
	// ExternalCapacity is the budget of the preferred fallback bank.
	// Zero means the bank is absent and fallback goes straight to local.
	ExternalCapacity int
	// LocalCapacity bounds the local fallback tier. Zero means unbounded.
	LocalCapacity int
}

func (c Config) withDefaults() Config {
	if c.FastCapacity <= 0 {
		c.FastCapacity = DefaultFastCapacity
	}
	if c.SmallThreshold <= 0 {
		c.SmallThreshold = DefaultSmallThreshold
	}
	return c
}

// Stats is a snapshot of pool accounting. Purely observational: allocation
// decisions never consult it.
type Stats struct {
	Total        int64 `json:"total"`
	FastUsed     int64 `json:"fast_tier_used"`
	FallbackUsed int64 `json:"fallback_used"`
	Peak         int64 `json:"peak"`
}

// Block is one allocation handed to the guest interpreter. The zero Block
// is the nil allocation.
type Block struct {
	Data []byte

	fast     bool
	external bool
}

// Allocated reports whether b refers to live pool memory.
func (b Block) Allocated() bool { return b.Data != nil }

// Fast reports whether b lives in the bump region.
func (b Block) Fast() bool { return b.fast }

// Pool is the two-tier allocator. Alloc, Free, Realloc and Reset must be
// called from the single goroutine that owns the pool (the execution
// worker); Stats may be read from any goroutine.
type Pool struct {
	cfg Config

	buf    []byte
	offset int

	// Worker-side tier occupancy, used only for budget checks.
	externalUsed int
	localUsed    int

	total        atomic.Int64
	fastUsed     atomic.Int64
	fallbackUsed atomic.Int64
	peak         atomic.Int64
}

// New creates a Pool with the given configuration.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg: cfg,
		buf: make([]byte, cfg.FastCapacity),
	}
}

// Alloc returns a block of n bytes. A size of zero is the nil allocation.
// Small requests bump-allocate from the fast tier when they fit; everything
// else goes to the fallback tiers, preferring the external bank.
func (p *Pool) Alloc(n int) (Block, error) {
	if n <= 0 {
		return Block{}, nil
	}

	if n < p.cfg.SmallThreshold && p.offset+n <= len(p.buf) {
		b := Block{
			Data: p.buf[p.offset : p.offset+n : p.offset+n],
			fast: true,
		}
		p.offset += n
		p.account(int64(n), true)
		return b, nil
	}

	return p.allocFallback(n)
}

func (p *Pool) allocFallback(n int) (Block, error) {
	external := p.cfg.ExternalCapacity > 0 && p.externalUsed+n <= p.cfg.ExternalCapacity
	if !external {
		if p.cfg.LocalCapacity > 0 && p.localUsed+n > p.cfg.LocalCapacity {
			return Block{}, ErrOutOfMemory
		}
	}

	b := Block{
		Data:     make([]byte, n),
		external: external,
	}
	if external {
		p.externalUsed += n
	} else {
		p.localUsed += n
	}
	p.account(int64(n), false)
	return b, nil
}

// Free releases a block. Bump-region memory is only accounted for here; the
// bytes themselves are reclaimed at the next Reset. Fallback memory is
// released to the runtime immediately.
func (p *Pool) Free(b Block) {
	n := len(b.Data)
	if n == 0 {
		return
	}

	if b.fast {
		p.fastUsed.Add(-int64(n))
	} else {
		p.fallbackUsed.Add(-int64(n))
		if b.external {
			p.externalUsed -= n
		} else {
			p.localUsed -= n
		}
	}
	p.total.Add(-int64(n))
}

// Realloc resizes a block to n bytes. Bump-region blocks are always
// allocate-new-copy-old; fallback blocks keep their tier when the budget
// allows. On failure the original block remains valid.
func (p *Pool) Realloc(b Block, n int) (Block, error) {
	if n <= 0 {
		p.Free(b)
		return Block{}, nil
	}
	if !b.Allocated() {
		return p.Alloc(n)
	}

	old := len(b.Data)
	if n == old {
		return b, nil
	}

	if b.fast {
		nb, err := p.Alloc(n)
		if err != nil {
			return Block{}, err
		}
		copy(nb.Data, b.Data)
		p.Free(b)
		return nb, nil
	}

	delta := n - old
	if delta > 0 {
		if b.external {
			if p.externalUsed+delta > p.cfg.ExternalCapacity {
				return p.reallocCrossTier(b, n)
			}
		} else if p.cfg.LocalCapacity > 0 && p.localUsed+delta > p.cfg.LocalCapacity {
			return Block{}, ErrOutOfMemory
		}
	}

	nd := make([]byte, n)
	copy(nd, b.Data)
	nb := Block{Data: nd, external: b.external}
	if b.external {
		p.externalUsed += delta
	} else {
		p.localUsed += delta
	}
	p.fallbackUsed.Add(int64(delta))
	p.total.Add(int64(delta))
	p.bumpPeak()
	return nb, nil
}

// reallocCrossTier moves a grown external block to the local tier when the
// external bank is exhausted, mirroring the preferred-then-local policy of
// Alloc.
func (p *Pool) reallocCrossTier(b Block, n int) (Block, error) {
	if p.cfg.LocalCapacity > 0 && p.localUsed+n > p.cfg.LocalCapacity {
		return Block{}, ErrOutOfMemory
	}
	nd := make([]byte, n)
	copy(nd, b.Data)
	nb := Block{Data: nd}
	p.localUsed += n
	p.fallbackUsed.Add(int64(n))
	p.total.Add(int64(n))
	p.bumpPeak()
	p.Free(b)
	return nb, nil
}

// Reset returns the pool to empty. Called exactly once per interpreter
// instance teardown; never while the owning instance is live.
func (p *Pool) Reset() {
	p.offset = 0
	p.externalUsed = 0
	p.localUsed = 0
	p.total.Store(0)
	p.fastUsed.Store(0)
	p.fallbackUsed.Store(0)
	p.peak.Store(0)
}

// Stats returns a snapshot of the accounting counters. Safe to call from
// any goroutine.
func (p *Pool) Stats() Stats {
	return Stats{
		Total:        p.total.Load(),
		FastUsed:     p.fastUsed.Load(),
		FallbackUsed: p.fallbackUsed.Load(),
		Peak:         p.peak.Load(),
	}
}

// FastCapacity returns the size of the bump region.
func (p *Pool) FastCapacity() int { return len(p.buf) }

func (p *Pool) account(n int64, fast bool) {
	if fast {
		p.fastUsed.Add(n)
	} else {
		p.fallbackUsed.Add(n)
	}
	p.total.Add(n)
	p.bumpPeak()
}

func (p *Pool) bumpPeak() {
	if t := p.total.Load(); t > p.peak.Load() {
		p.peak.Store(t)
	}
}
