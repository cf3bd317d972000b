package frag

import (
	"errors"
	"sync"
	"time"
)

// ReassemblyTicks is how many 100ms-silence ticks a reassembly entry
// tolerates before it is discarded.
const ReassemblyTicks = 10

// ReassemblyTickPeriod is the nominal tick period the timeout above is
// expressed in.
const ReassemblyTickPeriod = 100 * time.Millisecond

type reassemblyKey struct {
	src uint16
	tag uint8
}

type reassemblyEntry struct {
	flags      HeaderFlags
	totalSize  uint16
	received   uint16 // also the byte offset the next in-order fragment must carry
	buf        []byte
	lastSeenAt time.Time
}

// Reassembler reconstructs fragmented bodies per (source, tag),
// requiring fragments to arrive in increasing offset order; an
// out-of-order offset aborts that entry. Stricter than standard 6LoWPAN
// reassembly, kept for wire compatibility with deployed nodes.
type Reassembler struct {
	mu      sync.Mutex
	entries map[reassemblyKey]*reassemblyEntry
}

// NewReassembler creates an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{entries: make(map[reassemblyKey]*reassemblyEntry)}
}

// ErrOutOfOrder is returned (and the entry dropped) when a fragment's
// offset is not the next expected one.
var ErrOutOfOrder = errors.New("frag: fragment out of order, reassembly aborted")

// ErrHeaderMismatch is returned when a fragment's flags or total size
// disagree with the entry already in progress.
var ErrHeaderMismatch = errors.New("frag: fragment header mismatch, reassembly discarded")

// Feed adds one fragment to its (src, tag) entry. It returns the
// complete body and true once the final fragment arrives.
func (r *Reassembler) Feed(src uint16, h Header, payload []byte, now time.Time) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := reassemblyKey{src: src, tag: h.Tag}
	e, ok := r.entries[key]

	if !ok {
		e = &reassemblyEntry{
			flags:     h.Flags,
			totalSize: h.TotalSize,
			buf:       make([]byte, h.TotalSize),
		}
		r.entries[key] = e
	}

	if e.flags != h.Flags || e.totalSize != h.TotalSize {
		delete(r.entries, key)
		return nil, false, ErrHeaderMismatch
	}

	if h.Offset != e.received {
		delete(r.entries, key)
		return nil, false, ErrOutOfOrder
	}

	copy(e.buf[h.Offset:], payload)
	e.received += uint16(len(payload))
	e.lastSeenAt = now

	if e.received >= e.totalSize {
		delete(r.entries, key)
		return e.buf, true, nil
	}

	return nil, false, nil
}

// Sweep discards entries silent for more than ReassemblyTicks*
// ReassemblyTickPeriod. Intended to run once per tick of the reassembly
// task.
func (r *Reassembler) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := ReassemblyTicks * ReassemblyTickPeriod
	for key, e := range r.entries {
		if now.Sub(e.lastSeenAt) >= limit {
			delete(r.entries, key)
		}
	}
}

// ReplayCache rejects IPv4 fragments whose (source, tag) pair it has
// already completed, aged after ~20 ticks.
type ReplayCache struct {
	mu      sync.Mutex
	entries map[reassemblyKey]time.Time
	maxAge  time.Duration
}

// NewReplayCache creates a cache aging entries after 20 reassembly ticks.
func NewReplayCache() *ReplayCache {
	return &ReplayCache{
		entries: make(map[reassemblyKey]time.Time),
		maxAge:  20 * ReassemblyTickPeriod,
	}
}

// Accept reports whether (src, tag) has not been completed recently,
// recording it if so.
func (c *ReplayCache) Accept(src uint16, tag uint8, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := reassemblyKey{src: src, tag: tag}

	if seen, ok := c.entries[key]; ok && now.Sub(seen) < c.maxAge {
		return false
	}

	c.entries[key] = now

	return true
}

// Sweep discards aged-out replay entries.
func (c *ReplayCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, seen := range c.entries {
		if now.Sub(seen) >= c.maxAge {
			delete(c.entries, key)
		}
	}
}
