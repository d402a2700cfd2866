// Package oracle implements the per-timeline timestamp oracle: a tiny state
// machine enforcing the read/write alternation rule that keeps a timeline
// linearizable while allowing repeated reads to share a timestamp.
package oracle

import (
	"sync"

	"github.com/coredbio/core/internal/antichain"
)

// Oracle is a single timeline's timestamp state. The zero value is ready to
// use, starting at antichain.MinTimestamp.
//
// Grounded on eventloop's FastState: a small struct, mutated only under its
// own lock, with an explicit, narrow set of legal transitions. Unlike
// FastState this does not need atomics — every operation here already holds
// a mutex for the duration of its read-modify-write, and the oracle is
// expected to be called from the Coordinator's single goroutine in
// practice, but the lock makes it safe to call from anywhere.
type Oracle struct {
	mu            sync.Mutex
	ts            antichain.Uint64
	lastOpWasRead bool
}

// New constructs an Oracle starting at the given initial timestamp.
func New(initial antichain.Uint64) *Oracle {
	return &Oracle{ts: initial}
}

// ReadTS returns the current timestamp, and marks the last operation as a
// read.
func (o *Oracle) ReadTS() antichain.Uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastOpWasRead = true
	return o.ts
}

// WriteTS returns a timestamp strictly greater than every timestamp
// previously returned by ReadTS, advancing the oracle's clock by one tick if
// the immediately preceding operation was a read. Consecutive WriteTS calls
// (with no intervening ReadTS) return the same timestamp.
func (o *Oracle) WriteTS() antichain.Uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastOpWasRead {
		o.ts++
		o.lastOpWasRead = false
	}
	return o.ts
}

// EnsureAtLeast advances the oracle's clock to now, if now is strictly
// greater than the current timestamp. It is a no-op otherwise. Advancing the
// clock this way clears the read flag, exactly as a fresh observation would.
func (o *Oracle) EnsureAtLeast(now antichain.Uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if now > o.ts {
		o.ts = now
		o.lastOpWasRead = false
	}
}

// Peek returns the current timestamp without affecting the read/write
// alternation state. Intended for diagnostics/metrics only.
func (o *Oracle) Peek() antichain.Uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ts
}
