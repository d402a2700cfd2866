// Package frontier implements the Frontier Registry: per-Gid (upper, since)
// tracking, capability tokens that pin since, and the since-advancement
// proposal machinery driven by worker-emitted upper changes.
package frontier

import (
	"errors"
	"fmt"
	"sync"

	"github.com/coredbio/core/internal/antichain"
)

// ErrDuplicateGid is returned by Insert when the Gid already has a record.
var ErrDuplicateGid = errors.New("frontier: duplicate gid")

// ErrUnknownGid is returned when an operation references a Gid with no
// record.
var ErrUnknownGid = errors.New("frontier: unknown gid")

// Change is one entry of a worker-emitted change batch: the multiplicity of
// time T changes by Delta (positive: T newly open; negative: T closed).
type Change struct {
	Time  antichain.Uint64
	Delta int64
}

// Frontiers is the per-Gid record: the write frontier (Upper), the
// compaction frontier (Since), and an optional compaction window.
type Frontiers struct {
	Gid                antichain.Gid
	Upper              antichain.Antichain
	Since              antichain.Antichain
	CompactionWindowMs uint64 // 0 means "no window configured"

	// mu guards multiplicities and tokens for this Gid only.
	mu                   sync.Mutex
	multiplicities       map[antichain.Uint64]int64
	workerCount          int
	tokens               map[*CapabilityToken]struct{}
	pendingSinceProposal antichain.Uint64
}

// CapabilityToken pins a Gid's since to the antichain recorded at the time
// the token was acquired. While any token for a Gid exists with a since
// strictly behind a proposed advancement, that advancement is blocked.
type CapabilityToken struct {
	gid    antichain.Gid
	pinned antichain.Antichain
}

// Gid returns the object this token pins.
func (c *CapabilityToken) Gid() antichain.Gid { return c.gid }

// Pinned returns the antichain this token prevents since from advancing
// past.
func (c *CapabilityToken) Pinned() antichain.Antichain { return c.pinned }

// Registry is the Frontier Registry: a map of Gid to Frontiers, plus the
// since-advancement proposal channel.
//
// Grounded on eventloop's registry.go (a map of handles behind a mutex, with
// explicit insert/remove and validated mutation) and catrate's per-category
// map with release-on-drop tokens.
type Registry struct {
	mu     sync.RWMutex
	byGid  map[antichain.Gid]*Frontiers
	// proposals receives a Gid whenever its upper changes and a new since
	// becomes safe to propose; the Coordinator drains this to drive
	// AllowCompaction dispatch.
	proposals chan antichain.Gid
}

// New constructs an empty Registry. proposalBuffer bounds the since-proposal
// channel; the Coordinator is expected to drain it promptly, but a bounded
// buffer avoids an unbounded goroutine leak if it temporarily falls behind.
func New(proposalBuffer int) *Registry {
	if proposalBuffer <= 0 {
		proposalBuffer = 256
	}
	return &Registry{
		byGid:     make(map[antichain.Gid]*Frontiers),
		proposals: make(chan antichain.Gid, proposalBuffer),
	}
}

// Proposals returns the channel of Gids with a newly-computed since
// advancement candidate, readable via PendingSince.
func (r *Registry) Proposals() <-chan antichain.Gid { return r.proposals }

// Insert creates a fresh Frontiers record for gid. It panics if gid already
// has a record, mirroring the source's "this is a programming error"
// contract (a duplicate insert means the catalogue and the registry have
// diverged).
func (r *Registry) Insert(gid antichain.Gid, initialUpper antichain.Antichain, compactionWindowMs uint64, workerCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byGid[gid]; ok {
		panic(fmt.Sprintf("frontier: duplicate insert of %s", gid))
	}
	multiplicities := make(map[antichain.Uint64]int64)
	for _, t := range initialUpper.Elements() {
		multiplicities[t] = 1
	}
	r.byGid[gid] = &Frontiers{
		Gid:                gid,
		Upper:              initialUpper,
		Since:              antichain.New(antichain.MinTimestamp),
		CompactionWindowMs: compactionWindowMs,
		multiplicities:     multiplicities,
		workerCount:        workerCount,
		tokens:             make(map[*CapabilityToken]struct{}),
	}
}

// Remove deletes gid's record, releasing its storage. It is a no-op if the
// Gid has no record.
func (r *Registry) Remove(gid antichain.Gid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byGid, gid)
}

// Get returns a snapshot-safe view of gid's Frontiers, or (nil, false).
func (r *Registry) Get(gid antichain.Gid) (*Frontiers, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byGid[gid]
	return f, ok
}

// UpdateUpper applies a worker-emitted change batch to gid's upper,
// validating (1) no regression in antichain order, (2) no negative
// multiplicity, (3) multiplicity never exceeds the worker count, and
// (4) the change-sum is <= 0 (each relinquished time may acquire at most
// one replacement). Any violation indicates worker corruption and is
// returned as an error rather than silently applied; callers are expected
// to treat it as fatal per spec.md §7.
func (r *Registry) UpdateUpper(gid antichain.Gid, changes []Change) error {
	r.mu.RLock()
	f, ok := r.byGid[gid]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGid, gid)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	updated := make(map[antichain.Uint64]int64, len(f.multiplicities))
	for t, m := range f.multiplicities {
		updated[t] = m
	}
	var sum int64
	for _, c := range changes {
		sum += c.Delta
		cur := updated[c.Time]
		next := cur + c.Delta
		if next < 0 {
			return fmt.Errorf("frontier: %s: negative multiplicity at time %d (corruption)", gid, c.Time)
		}
		if next > int64(f.workerCount) {
			return fmt.Errorf("frontier: %s: multiplicity %d at time %d exceeds worker count %d (corruption)", gid, next, c.Time, f.workerCount)
		}
		if next == 0 {
			delete(updated, c.Time)
		} else {
			updated[c.Time] = next
		}
	}
	if sum > 0 {
		return fmt.Errorf("frontier: %s: change-sum %d > 0 (corruption)", gid, sum)
	}

	newUpper := frontierFromMultiplicities(updated)
	if !f.Upper.LessEqual(newUpper) {
		return fmt.Errorf("frontier: %s: upper regression from %s to %s", gid, f.Upper, newUpper)
	}
	f.multiplicities = updated
	f.Upper = newUpper

	r.proposeSince(f)
	return nil
}

// frontierFromMultiplicities computes the antichain of times with nonzero
// multiplicity: for the single-dimensional Uint64 timeline this is simply
// the minimal element(s) still open.
func frontierFromMultiplicities(m map[antichain.Uint64]int64) antichain.Antichain {
	var out antichain.Antichain
	for t := range m {
		out.Insert(t)
	}
	return out
}

// proposeSince computes, if a compaction window is configured and upper is
// non-empty, the new since = floor((upper-window)/window)*window elementwise,
// and enqueues a proposal for the Coordinator. Must be called with f.mu held.
func (r *Registry) proposeSince(f *Frontiers) {
	if f.CompactionWindowMs == 0 {
		return
	}
	u, ok := f.Upper.Min()
	if !ok {
		return // upper is empty: nothing to propose against
	}
	var candidate antichain.Uint64
	if uint64(u) > f.CompactionWindowMs {
		candidate = antichain.Uint64((uint64(u) - f.CompactionWindowMs) / f.CompactionWindowMs * f.CompactionWindowMs)
	}

	select {
	case r.proposals <- f.Gid:
	default:
		// proposal buffer full: the Coordinator is behind. Dropping this
		// proposal is safe, it will be re-derived next upper change.
	}
	f.pendingSinceProposal = candidate
}

// IsOpen reports whether t currently has nonzero multiplicity in this Gid's
// upper.
func (f *Frontiers) IsOpen(t antichain.Uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.multiplicities[t] != 0
}

// PendingSince returns the since-advancement candidate last computed for
// gid by proposeSince, as the single-element antichain AdvanceSince
// expects. The second result is false if gid is unknown or has no
// compaction window configured (nothing to propose).
func (r *Registry) PendingSince(gid antichain.Gid) (antichain.Antichain, bool) {
	r.mu.RLock()
	f, ok := r.byGid[gid]
	r.mu.RUnlock()
	if !ok {
		return antichain.Antichain{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CompactionWindowMs == 0 {
		return antichain.Antichain{}, false
	}
	return antichain.New(f.pendingSinceProposal), true
}

// AcquireToken pins gid's since to its current value, preventing it from
// advancing past that antichain until the token is released. Returns
// ErrUnknownGid if gid has no record.
func (r *Registry) AcquireToken(gid antichain.Gid) (*CapabilityToken, error) {
	r.mu.RLock()
	f, ok := r.byGid[gid]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGid, gid)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tok := &CapabilityToken{gid: gid, pinned: f.Since}
	f.tokens[tok] = struct{}{}
	return tok, nil
}

// ReleaseToken drops a previously acquired token. It is a no-op if the
// token's Gid no longer has a record, or the token was already released.
func (r *Registry) ReleaseToken(tok *CapabilityToken) {
	if tok == nil {
		return
	}
	r.mu.RLock()
	f, ok := r.byGid[tok.gid]
	r.mu.RUnlock()
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, tok)
}

// AdvanceSince applies a proposed since advancement for gid, clamped to not
// advance past any live capability token's pinned antichain, and never
// regressing. Returns the resulting since.
func (r *Registry) AdvanceSince(gid antichain.Gid, proposed antichain.Antichain) (antichain.Antichain, error) {
	r.mu.RLock()
	f, ok := r.byGid[gid]
	r.mu.RUnlock()
	if !ok {
		return antichain.Antichain{}, fmt.Errorf("%w: %s", ErrUnknownGid, gid)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	clamped := proposed
	for tok := range f.tokens {
		clamped = antichain.Meet(clamped, tok.pinned)
	}
	if f.Since.LessEqual(clamped) {
		f.Since = clamped
	}
	return f.Since, nil
}

// LeastValidSince returns the join of the since of every given Gid: the
// earliest safe read time across the set.
func (r *Registry) LeastValidSince(gids ...antichain.Gid) antichain.Antichain {
	var out antichain.Antichain
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range gids {
		if f, ok := r.byGid[g]; ok {
			f.mu.Lock()
			out = antichain.Join(out, f.Since)
			f.mu.Unlock()
		}
	}
	return out
}

// GreatestOpenUpper returns the meet of the upper of every given Gid: the
// freshest time readable across the whole set (the slowest contributor
// bounds it).
func (r *Registry) GreatestOpenUpper(gids ...antichain.Gid) antichain.Antichain {
	var out antichain.Antichain
	first := true
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range gids {
		if f, ok := r.byGid[g]; ok {
			f.mu.Lock()
			u := f.Upper
			f.mu.Unlock()
			if first {
				out = u
				first = false
			} else {
				out = antichain.Meet(out, u)
			}
		}
	}
	return out
}
