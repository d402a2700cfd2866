// Package trace implements the spine: a tiered merge tree of HollowBatch
// descriptions that tile [T::MIN, upper), plus the apply-diff fast paths
// and lenient reconciliation fallback described in spec.md §4.3.2.
//
// Grounded on original_source/src/persist-client/src/internal/state_diff.rs
// for the algorithm, and github.com/google/btree (AKJUS-bsc-erigon go.mod)
// for the ordered-by-lower-bound index backing the batch list. Finding the
// contiguous range overlapping a description still walks the batches in
// order (see contiguousRange).
package trace

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/coreerr"
)

// RunPart is an opaque address of an immutable batch file.
type RunPart string

// Description is a batch's (lower, upper, since) triple: all antichains
// over the timeline.
type Description struct {
	Lower antichain.Antichain
	Upper antichain.Antichain
	Since antichain.Antichain
}

// HollowBatch is a metadata-only reference to a batch's blob parts, plus its
// time-interval description and row count. Two batches are equal iff their
// descriptions and the multiset of parts match.
type HollowBatch struct {
	Desc Description
	Parts []RunPart
	Len   uint64
}

// Empty reports whether the batch carries zero rows (used by the lenient
// compaction fallback to decide whether a boundary batch may be split).
func (b HollowBatch) Empty() bool { return b.Len == 0 }

func (b HollowBatch) Equal(o HollowBatch) bool {
	if !descEqual(b.Desc, o.Desc) || len(b.Parts) != len(o.Parts) {
		return false
	}
	seen := make(map[RunPart]int, len(b.Parts))
	for _, p := range b.Parts {
		seen[p]++
	}
	for _, p := range o.Parts {
		seen[p]--
	}
	for _, c := range seen {
		if c != 0 {
			return false
		}
	}
	return true
}

func descEqual(a, b Description) bool {
	return a.Lower.Equal(b.Lower) && a.Upper.Equal(b.Upper) && a.Since.Equal(b.Since)
}

// lower64 extracts the single Uint64 lower bound used to order batches in
// the btree index. The spine only ever deals in single-dimensional time, so
// every description's antichains are single-element (or empty, only for the
// trace's own upper/since before the first batch).
func lower64(d Description) antichain.Uint64 {
	v, _ := d.Lower.Min()
	return v
}

// batchItem adapts HollowBatch for btree.Item ordering by lower bound.
type batchItem struct {
	batch HollowBatch
}

func (a batchItem) Less(than btree.Item) bool {
	return lower64(a.batch.Desc) < lower64(than.(batchItem).batch.Desc)
}

var (
	// ErrNonContiguous is returned when a batch's lower does not equal the
	// trace's current upper (the tiling invariant would be violated).
	ErrNonContiguous = errors.New("trace: batch does not tile contiguously")
	// ErrOverlappingNonEmpty aliases coreerr's taxonomy entry for the
	// lenient compaction fallback (spec.md §4.3.2 / §8(e)), so callers
	// anywhere in the tree can match it with a single sentinel.
	ErrOverlappingNonEmpty = coreerr.ErrOverlappingBatchNonEmpty
)

// Trace is the spine: a sequence of HollowBatches tiling [T::MIN, upper),
// plus a since antichain that is <= every batch's since.
type Trace struct {
	index               *btree.BTree
	since               antichain.Antichain
	roundtripStructure   bool
}

// New constructs an empty Trace starting at T::MIN, with since at
// MinTimestamp and the given roundtrip-structure mode.
func New(roundtripStructure bool) *Trace {
	return &Trace{
		index:              btree.New(32),
		since:              antichain.New(antichain.MinTimestamp),
		roundtripStructure: roundtripStructure,
	}
}

// Since returns the trace's since antichain.
func (t *Trace) Since() antichain.Antichain { return t.since }

// Upper returns the trace's current write frontier: the upper of the last
// (rightmost) batch, or MinTimestamp if the trace is empty.
func (t *Trace) Upper() antichain.Antichain {
	if t.index.Len() == 0 {
		return antichain.New(antichain.MinTimestamp)
	}
	last := t.index.Max().(batchItem).batch
	return last.Desc.Upper
}

// Batches returns the trace's batches in lower-bound order.
func (t *Trace) Batches() []HollowBatch {
	out := make([]HollowBatch, 0, t.index.Len())
	t.index.Ascend(func(item btree.Item) bool {
		out = append(out, item.(batchItem).batch)
		return true
	})
	return out
}

// Len returns the number of batches currently in the spine.
func (t *Trace) Len() int { return t.index.Len() }

// Push appends a batch onto the spine, requiring its lower to equal the
// trace's current upper (the "sniff-insert" fast path precondition from
// spec.md §4.3.2). Any merge requests the push would trigger are computed
// by the caller — Push itself never merges, mirroring the spec's note that
// that work is the diff producer's responsibility.
func (t *Trace) Push(b HollowBatch) error {
	cur := t.Upper()
	if !descLowerEqualsUpper(b.Desc, cur) {
		return fmt.Errorf("%w: batch lower %s != trace upper %s", ErrNonContiguous, b.Desc.Lower, cur)
	}
	t.index.ReplaceOrInsert(batchItem{b})
	return nil
}

func descLowerEqualsUpper(d Description, upper antichain.Antichain) bool {
	return d.Lower.Equal(upper)
}

// PushEmptySpread implements the "empty-spread fast path": given a leading
// empty batch [l,u) already in the spine and a wider empty replacement
// [l,u') with u < u', collapses them into a single empty batch [l,u').
func (t *Trace) PushEmptySpread(removed HollowBatch, inserted HollowBatch) error {
	if !removed.Empty() || !inserted.Empty() {
		return fmt.Errorf("trace: empty-spread fast path requires both batches to be empty")
	}
	if !removed.Desc.Lower.Equal(inserted.Desc.Lower) {
		return fmt.Errorf("trace: empty-spread fast path requires matching lower bounds")
	}
	ru, _ := removed.Desc.Upper.Min()
	iu, _ := inserted.Desc.Upper.Min()
	if !(ru < iu) {
		return fmt.Errorf("trace: empty-spread fast path requires removed.upper < inserted.upper")
	}
	t.index.Delete(batchItem{removed})
	collapsed := HollowBatch{
		Desc: Description{
			Lower: removed.Desc.Lower,
			Upper: inserted.Desc.Upper,
			Since: t.since,
		},
		Len: 0,
	}
	t.index.ReplaceOrInsert(batchItem{collapsed})
	return nil
}

// ApplyMergeRes attempts the compaction fast path: replace the batches the
// merge consumed with a single output batch, iff the spine's current
// arrangement exactly matches the expected [output.Desc.Lower,
// output.Desc.Upper) span with no gaps. Returns false (not an error) if the
// fast path does not apply, so the caller can fall back to the lenient
// reconciliation path.
func (t *Trace) ApplyMergeRes(output HollowBatch) (bool, error) {
	covering, ok := t.contiguousRange(output.Desc.Lower, output.Desc.Upper)
	if !ok {
		return false, nil
	}
	// exact match fast path: the covering range's bounds equal the output's
	// bounds precisely (no partial/boundary splitting required).
	if !covering[0].Desc.Lower.Equal(output.Desc.Lower) ||
		!covering[len(covering)-1].Desc.Upper.Equal(output.Desc.Upper) {
		return false, nil
	}
	for _, b := range covering {
		t.index.Delete(batchItem{b})
	}
	t.index.ReplaceOrInsert(batchItem{output})
	return true, nil
}

// ApplyMergeResLenient implements the lenient compaction fallback (spec.md
// §4.3.2, §8(e)): locate the contiguous range of existing batches overlapping
// output.Desc. At each boundary, if a boundary batch extends outside
// output.Desc, the portion outside must be empty; if so, split that empty
// batch so output fits exactly. A non-empty boundary batch outside the
// replacement range is an error.
func (t *Trace) ApplyMergeResLenient(output HollowBatch) error {
	covering, ok := t.contiguousRange(output.Desc.Lower, output.Desc.Upper)
	if !ok {
		return fmt.Errorf("trace: lenient compaction: no contiguous batches cover %s..%s", output.Desc.Lower, output.Desc.Upper)
	}

	first := covering[0]
	last := covering[len(covering)-1]

	if !first.Desc.Lower.Equal(output.Desc.Lower) {
		if !first.Empty() {
			return ErrOverlappingNonEmpty
		}
	}
	if !last.Desc.Upper.Equal(output.Desc.Upper) {
		if !last.Empty() {
			return ErrOverlappingNonEmpty
		}
	}

	for _, b := range covering {
		t.index.Delete(batchItem{b})
	}

	if !first.Desc.Lower.Equal(output.Desc.Lower) {
		t.index.ReplaceOrInsert(batchItem{HollowBatch{
			Desc: Description{Lower: first.Desc.Lower, Upper: output.Desc.Lower, Since: t.since},
			Len:  0,
		}})
	}
	t.index.ReplaceOrInsert(batchItem{output})
	if !last.Desc.Upper.Equal(output.Desc.Upper) {
		t.index.ReplaceOrInsert(batchItem{HollowBatch{
			Desc: Description{Lower: output.Desc.Upper, Upper: last.Desc.Upper, Since: t.since},
			Len:  0,
		}})
	}
	return nil
}

// contiguousRange returns the ordered, gap-free run of batches whose
// combined span covers [lower, upper), or (nil, false) if no such
// contiguous run exists (a gap, or the span runs off either end of the
// spine).
func (t *Trace) contiguousRange(lower, upper antichain.Antichain) ([]HollowBatch, bool) {
	var all []HollowBatch
	t.index.Ascend(func(item btree.Item) bool {
		all = append(all, item.(batchItem).batch)
		return true
	})

	startIdx := -1
	for i, b := range all {
		if b.Desc.Upper.LessEqual(lower) {
			continue // batch ends at or before lower: no overlap with the target range
		}
		startIdx = i
		break
	}
	if startIdx < 0 {
		return nil, false
	}

	var out []HollowBatch
	cursor := all[startIdx].Desc.Lower
	for i := startIdx; i < len(all); i++ {
		b := all[i]
		if !b.Desc.Lower.Equal(cursor) {
			return nil, false // gap
		}
		out = append(out, b)
		cursor = b.Desc.Upper
		if upper.LessEqual(cursor) {
			return out, true
		}
	}
	return nil, false
}

// Rebuild replaces the trace's batches wholesale (the "slow rebuild" path);
// ApplyDiff does not call it. The caller is responsible for ensuring batches tile contiguously; Rebuild
// validates this and returns an error otherwise.
func (t *Trace) Rebuild(batches []HollowBatch, since antichain.Antichain) error {
	sorted := make([]HollowBatch, len(batches))
	copy(sorted, batches)
	// simple insertion sort by lower bound; batch counts are small in
	// practice (this mirrors the "slow path", not a hot loop).
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && lower64(sorted[j].Desc) < lower64(sorted[j-1].Desc); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	cursor := antichain.New(antichain.MinTimestamp)
	for _, b := range sorted {
		if !b.Desc.Lower.Equal(cursor) {
			return fmt.Errorf("%w: rebuilt batches do not tile from T::MIN (gap before %s)", ErrNonContiguous, b.Desc.Lower)
		}
		if !since.LessEqual(b.Desc.Since) {
			return fmt.Errorf("trace: rebuild: since %s is not <= batch since %s", since, b.Desc.Since)
		}
		cursor = b.Desc.Upper
	}

	fresh := btree.New(32)
	for _, b := range sorted {
		fresh.ReplaceOrInsert(batchItem{b})
	}
	t.index = fresh
	t.since = since
	return nil
}

// AdvanceSince advances the trace's since frontier; since may only advance.
func (t *Trace) AdvanceSince(newSince antichain.Antichain) error {
	if !t.since.LessEqual(newSince) {
		return fmt.Errorf("trace: since may only advance (current %s, proposed %s)", t.since, newSince)
	}
	t.since = newSince
	return nil
}

// TotalRows sums the row counts of every batch in the spine.
func (t *Trace) TotalRows() uint64 {
	var total uint64
	t.index.Ascend(func(item btree.Item) bool {
		total += item.(batchItem).batch.Len
		return true
	})
	return total
}
