// Package alloc implements Sapphire's bounded, handle-based memory arena
//. It is a linear, compacting allocator: every allocation
// returns an opaque Handle rather than a pointer, so the allocator is free
// to relocate live data during compaction. Callers obtain a temporary view
// via View or WithView and MUST NOT retain it across a scheduler
// suspension point (see internal/sched) — compaction only ever runs
// between such points, so a view's lifetime cannot outlive the next
// suspension.
//
// The handle table is a small mutex-guarded map handing out opaque
// integer tokens, generalized here to also own the backing bytes so
// the table can compact them.
package alloc

import (
	"errors"
	"fmt"
	"sync"
)

// Handle is an opaque reference to a live allocation. The zero Handle is
// never valid.
type Handle uint32

// Sentinel errors for Arena operations.
var (
	// ErrOutOfMemory indicates the arena has no contiguous free space left
	// for the requested allocation (soft failure, sets the
	// "mem-full" warning flag upstream).
	ErrOutOfMemory = errors.New("alloc: out of memory")

	// ErrInvalidHandle indicates use of a handle that was never issued or
	// has already been freed — a fatal condition
	ErrInvalidHandle = errors.New("alloc: invalid or freed handle")

	// ErrCanarySmash indicates a block's canary byte no longer matches,
	// i.e. something wrote past the end of an adjacent block. Fatal.
	ErrCanarySmash = errors.New("alloc: canary smashed")
)

const canaryByte = 0xA5

// block describes one live or dirty allocation's bookkeeping. The arena
// keeps the payload bytes in a separate contiguous slab (a.data) so that
// compaction is a memmove plus a table patch, not a per-block copy of
// Go-level structures.
type block struct {
	handle Handle
	offset int
	size   int
	dirty  bool
}

// span returns the number of arena bytes a block of the given payload
// size actually occupies, including its trailing 1-byte canary.
func span(size int) int {
	return size + 1
}

// Arena is a bounded linear allocator sized at construction and never
// grown, giving a deterministic upper bound on memory.
type Arena struct {
	mu    sync.Mutex
	data  []byte
	used  int // high-water mark of a.data actually occupied by blocks (live+dirty)
	cap   int
	by    map[Handle]*block
	order []*block // blocks in arena order, used for compaction walk
	next  uint32

	dirtyBytes        int
	compactThresholds int // compact once dirtyBytes exceeds cap/compactThresholds
}

// New creates an Arena with the given byte capacity.
func New(capacity int) *Arena {
	return &Arena{
		data:              make([]byte, capacity),
		cap:               capacity,
		by:                make(map[Handle]*block),
		compactThresholds: 4, // compact once a quarter of the arena is dirty
	}
}

// Alloc reserves size bytes and returns a Handle naming them. The
// returned bytes are zeroed.
func (a *Arena) Alloc(size int) (Handle, error) {
	if size <= 0 {
		return 0, fmt.Errorf("alloc: size must be positive, got %d", size)
	}

	needed := span(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.used+needed > a.cap {
		a.compactLocked()
		if a.used+needed > a.cap {
			return 0, ErrOutOfMemory
		}
	}

	a.next++
	h := Handle(a.next)

	b := &block{
		handle: h,
		offset: a.used,
		size:   size,
	}

	for i := range size {
		a.data[b.offset+i] = 0
	}
	a.data[b.offset+size] = canaryByte

	a.used += needed
	a.by[h] = b
	a.order = append(a.order, b)

	return h, nil
}

// Free marks handle h's block dirty. The bytes are not moved or reclaimed
// until the next compaction pass.
func (a *Arena) Free(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.by[h]
	if !ok {
		return fmt.Errorf("free %d: %w", h, ErrInvalidHandle)
	}

	b.dirty = true
	a.dirtyBytes += span(b.size)
	delete(a.by, h)

	if a.dirtyBytes*a.compactThresholds >= a.cap {
		a.compactLocked()
	}

	return nil
}

// SizeOf returns the byte size of the allocation named by h.
func (a *Arena) SizeOf(h Handle) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.by[h]
	if !ok {
		return 0, fmt.Errorf("size_of %d: %w", h, ErrInvalidHandle)
	}

	return b.size, nil
}

// View returns a byte slice backed directly by the arena's storage for
// handle h. The slice is invalidated by the next call that may compact
// (Alloc or Free) or by a scheduler suspension point; callers must not
// retain it past either. Prefer WithView, which makes this scope
// explicit.
func (a *Arena) View(h Handle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.by[h]
	if !ok {
		return nil, fmt.Errorf("view %d: %w", h, ErrInvalidHandle)
	}

	if a.data[b.offset+b.size] != canaryByte {
		return nil, fmt.Errorf("view %d: %w", h, ErrCanarySmash)
	}

	return a.data[b.offset : b.offset+b.size], nil
}

// WithView runs fn with a temporary mutable view of handle h's bytes. It
// is the idiomatic replacement for View: the scope makes explicit that
// the slice must not escape fn, precluding use-after-compaction bugs by
// construction.
func (a *Arena) WithView(h Handle, fn func(b []byte) error) error {
	buf, err := a.View(h)
	if err != nil {
		return err
	}

	return fn(buf)
}

// Len returns the capacity of the arena.
func (a *Arena) Len() int {
	return a.cap
}

// Used returns the number of bytes currently occupied by live and dirty
// blocks (before compaction reclaims the dirty portion).
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.used
}

// Compact forces an immediate compaction pass, shifting live blocks down
// over dirty space and clearing it. Exported so tests and the scheduler's
// idle path can trigger it deterministically; in steady state it runs
// automatically when the dirty threshold is crossed.
func (a *Arena) Compact() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.compactLocked()
}

func (a *Arena) compactLocked() {
	write := 0
	live := a.order[:0]

	for _, b := range a.order {
		if b.dirty {
			continue
		}

		n := span(b.size)
		if b.offset != write {
			copy(a.data[write:write+n], a.data[b.offset:b.offset+n])
			b.offset = write
		}

		write += n
		live = append(live, b)
	}

	for i := write; i < a.used; i++ {
		a.data[i] = 0
	}

	a.order = live
	a.used = write
	a.dirtyBytes = 0
}
