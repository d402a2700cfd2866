// Package statediff implements the durable, self-describing state-diff
// engine: the append-only log of StateFieldDiff entries that replaces
// writing a shard's entire State on every write, plus the apply algorithm
// with its fast paths and lenient fallback.
//
// Grounded on the joeycumines-go-utilpkg sql/export package's generic
// collection-diff reconciliation (insert/update/delete over a sorted
// collection keyed by primary key) for the StateFieldDiff[K,V] shape, and
// original_source/src/persist-client/src/internal/state_diff.rs for the
// exact apply semantics: idempotence by seqno, the legacy hostname
// permissive-apply behavior, and fast-path-before-slow-path ordering.
package statediff

import (
	"fmt"

	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/coreerr"
	"github.com/coredbio/core/internal/statediff/trace"
)

// HollowRollup is a metadata-only pointer to a point-in-time State snapshot
// blob, keyed by the seqno it was taken at.
type HollowRollup struct {
	Key string
}

// ActiveRollup records that some process has claimed responsibility for
// writing out a rollup at SeqNo, to avoid duplicated work.
type ActiveRollup struct {
	SeqNo   uint64
	StartMs uint64
}

// ActiveGC records that some process has claimed a garbage-collection pass
// through SeqNo.
type ActiveGC struct {
	SeqNo   uint64
	StartMs uint64
}

// LeasedReaderState is a best-effort reader registration whose since is
// advisory. Its last heartbeat is recorded here; nothing in this module
// expires a registration that is not renewed.
type LeasedReaderState struct {
	Since           antichain.Antichain
	LastHeartbeatMs uint64
}

// CriticalReaderState is a durable reader registration: its since is a hard
// capability, equivalent to a frontier.CapabilityToken, that survives
// process restarts.
type CriticalReaderState struct {
	Since antichain.Antichain
}

// WriterState tracks a writer's last heartbeat and most recent write token.
// Nothing in this module checks them to reject writes from an expired writer.
type WriterState struct {
	LastHeartbeatMs     uint64
	MostRecentWriteToken string
}

// EncodedSchema is the wire-encoded form of a relation schema, as registered
// via internal/schemaregistry.
type EncodedSchema []byte

// State is one shard's complete, in-memory durable state: the trace spine,
// reader/writer registrations, rollup bookkeeping, and the legacy fields
// (hostname, applier version) carried for diagnostics.
type State struct {
	ShardID        string
	SeqNo          uint64
	WalltimeMs     uint64
	Hostname       string
	ApplierVersion string
	LastGCReq      uint64

	Rollups      map[uint64]HollowRollup
	ActiveRollup *ActiveRollup
	ActiveGC     *ActiveGC

	LeasedReaders   map[string]LeasedReaderState
	CriticalReaders map[string]CriticalReaderState
	Writers         map[string]WriterState
	Schemas         map[string]EncodedSchema

	Trace *trace.Trace
}

// NewState constructs an empty State for a freshly registered shard.
func NewState(shardID string, roundtripStructure bool) *State {
	return &State{
		ShardID:         shardID,
		Rollups:         make(map[uint64]HollowRollup),
		LeasedReaders:   make(map[string]LeasedReaderState),
		CriticalReaders: make(map[string]CriticalReaderState),
		Writers:         make(map[string]WriterState),
		Schemas:         make(map[string]EncodedSchema),
		Trace:           trace.New(roundtripStructure),
	}
}

// DiffType enumerates the three ways a field diff may change a map entry.
type DiffType uint8

const (
	DiffInsert DiffType = iota
	DiffUpdate
	DiffDelete
)

func (t DiffType) String() string {
	switch t {
	case DiffInsert:
		return "insert"
	case DiffUpdate:
		return "update"
	case DiffDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// StateFieldDiff is one entry of a diffed map-valued field: it records the
// key and the prior/new value, with From the zero value for Insert and To
// the zero value for Delete.
type StateFieldDiff[K comparable, V any] struct {
	Key  K
	Type DiffType
	From V
	To   V
}

// ScalarDiff is the From/To pair for a non-map field (hostname,
// applier_version, active rollup, ...).
type ScalarDiff[V any] struct {
	From V
	To   V
}

// Diff is the durable unit a shard's state log is made of: the delta from
// SeqNoFrom to SeqNoTo, sufficient to reconstruct State at SeqNoTo given
// State at SeqNoFrom.
type Diff struct {
	ShardID    string
	SeqNoFrom  uint64
	SeqNoTo    uint64
	WalltimeMs uint64

	Hostname       *ScalarDiff[string]
	ApplierVersion *ScalarDiff[string]
	LastGCReq      *ScalarDiff[uint64]
	ActiveRollup   *ScalarDiff[*ActiveRollup]
	ActiveGC       *ScalarDiff[*ActiveGC]
	Since          *ScalarDiff[antichain.Antichain]

	Rollups         []StateFieldDiff[uint64, HollowRollup]
	LeasedReaders   []StateFieldDiff[string, LeasedReaderState]
	CriticalReaders []StateFieldDiff[string, CriticalReaderState]
	Writers         []StateFieldDiff[string, WriterState]
	Schemas         []StateFieldDiff[string, EncodedSchema]

	// Batches are new HollowBatches to push onto the trace spine, in order.
	Batches []trace.HollowBatch
	// MergeRes are compaction outputs to reconcile into the trace spine,
	// via the fast path first and the lenient fallback if that fails.
	MergeRes []trace.HollowBatch
}

// diffMap computes Insert/Update/Delete entries between two maps. V must be
// comparable via eq, since generic maps cannot assume comparable values
// (HollowRollup, WriterState etc. contain non-comparable fields in general).
func diffMap[K comparable, V any](from, to map[K]V, eq func(a, b V) bool) []StateFieldDiff[K, V] {
	var out []StateFieldDiff[K, V]
	for k, tv := range to {
		if fv, ok := from[k]; ok {
			if !eq(fv, tv) {
				out = append(out, StateFieldDiff[K, V]{Key: k, Type: DiffUpdate, From: fv, To: tv})
			}
		} else {
			out = append(out, StateFieldDiff[K, V]{Key: k, Type: DiffInsert, To: tv})
		}
	}
	for k, fv := range from {
		if _, ok := to[k]; !ok {
			out = append(out, StateFieldDiff[K, V]{Key: k, Type: DiffDelete, From: fv})
		}
	}
	return out
}

func scalarDiff[V comparable](from, to V) *ScalarDiff[V] {
	if from == to {
		return nil
	}
	return &ScalarDiff[V]{From: from, To: to}
}

// FromDiff computes the Diff between two consecutive States. The caller is
// responsible for ensuring to.SeqNo == from.SeqNo+1; FromDiff itself only
// computes the field-level delta, it does not validate sequencing.
func FromDiff(from, to *State) *Diff {
	d := &Diff{
		ShardID:    to.ShardID,
		SeqNoFrom:  from.SeqNo,
		SeqNoTo:    to.SeqNo,
		WalltimeMs: to.WalltimeMs,

		Hostname:       scalarDiff(from.Hostname, to.Hostname),
		ApplierVersion: scalarDiff(from.ApplierVersion, to.ApplierVersion),
		LastGCReq:      scalarDiff(from.LastGCReq, to.LastGCReq),

		Rollups: diffMap(from.Rollups, to.Rollups, func(a, b HollowRollup) bool { return a == b }),
		LeasedReaders: diffMap(from.LeasedReaders, to.LeasedReaders, func(a, b LeasedReaderState) bool {
			return a.LastHeartbeatMs == b.LastHeartbeatMs && a.Since.Equal(b.Since)
		}),
		CriticalReaders: diffMap(from.CriticalReaders, to.CriticalReaders, func(a, b CriticalReaderState) bool {
			return a.Since.Equal(b.Since)
		}),
		Writers: diffMap(from.Writers, to.Writers, func(a, b WriterState) bool {
			return a == b
		}),
		Schemas: diffMap(from.Schemas, to.Schemas, func(a, b EncodedSchema) bool {
			return string(a) == string(b)
		}),
	}

	if !activeRollupEqual(from.ActiveRollup, to.ActiveRollup) {
		d.ActiveRollup = &ScalarDiff[*ActiveRollup]{From: from.ActiveRollup, To: to.ActiveRollup}
	}
	if !activeGCEqual(from.ActiveGC, to.ActiveGC) {
		d.ActiveGC = &ScalarDiff[*ActiveGC]{From: from.ActiveGC, To: to.ActiveGC}
	}
	if !from.Trace.Since().Equal(to.Trace.Since()) {
		d.Since = &ScalarDiff[antichain.Antichain]{From: from.Trace.Since(), To: to.Trace.Since()}
	}
	d.Batches = newBatches(from.Trace, to.Trace)
	return d
}

func activeRollupEqual(a, b *ActiveRollup) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func activeGCEqual(a, b *ActiveGC) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// newBatches returns the batches present in to's trace but absent from
// from's, compared by batchKey. This is a coarse diff suitable for replaying
// onto a trace already at from's state; it does not attempt to detect
// compactions (ApplyDiff's MergeRes field exists for that).
func newBatches(from, to *trace.Trace) []trace.HollowBatch {
	seen := make(map[string]struct{}, from.Len())
	for _, b := range from.Batches() {
		seen[batchKey(b)] = struct{}{}
	}
	var out []trace.HollowBatch
	for _, b := range to.Batches() {
		if _, ok := seen[batchKey(b)]; !ok {
			out = append(out, b)
		}
	}
	return out
}

// batchKey returns a string uniquely identifying a HollowBatch's identity
// (its lower and upper bounds, row count and parts; its since is not part
// of the key), since HollowBatch itself is not comparable
// (Parts is a slice) and so cannot be used directly as a map key.
func batchKey(b trace.HollowBatch) string {
	lo, _ := b.Desc.Lower.Min()
	up, _ := b.Desc.Upper.Min()
	return fmt.Sprintf("%d-%d-%d-%v", lo, up, b.Len, b.Parts)
}

// Warning is a non-fatal inconsistency ApplyDiff tolerates for backward
// compatibility (the hostname permissive-apply behavior).
type Warning string

// ApplyDiff applies diff to state in place. It is idempotent: a diff whose
// SeqNoTo is already <= state.SeqNo is a no-op (the diff was already
// applied, a normal occurrence when multiple processes race to publish the
// same seqno). A diff whose SeqNoFrom does not match state.SeqNo is a gap
// and returns an error, since the state log has no mechanism to skip
// unseen diffs.
func ApplyDiff(state *State, diff *Diff) ([]Warning, error) {
	if diff.SeqNoTo <= state.SeqNo {
		return nil, nil // already applied
	}
	if diff.SeqNoFrom != state.SeqNo {
		return nil, &coreerr.GapError{StateSeqNo: state.SeqNo, DiffSeqFrom: diff.SeqNoFrom}
	}

	var warnings []Warning
	if diff.Hostname != nil {
		if state.Hostname != diff.Hostname.From && state.Hostname != "" {
			// legacy permissive apply: older appliers did not always agree
			// on hostname (container restarts, DNS churn); accept the new
			// value rather than treating it as state corruption.
			warnings = append(warnings, Warning(fmt.Sprintf(
				"statediff: hostname mismatch applying diff for seqno %d: state has %q, diff expects from %q (applying anyway)",
				diff.SeqNoTo, state.Hostname, diff.Hostname.From)))
		}
		state.Hostname = diff.Hostname.To
	}
	if diff.ApplierVersion != nil {
		state.ApplierVersion = diff.ApplierVersion.To
	}
	if diff.LastGCReq != nil {
		state.LastGCReq = diff.LastGCReq.To
	}
	if diff.ActiveRollup != nil {
		state.ActiveRollup = diff.ActiveRollup.To
	}
	if diff.ActiveGC != nil {
		state.ActiveGC = diff.ActiveGC.To
	}

	if err := applyFieldDiffs(state.Rollups, diff.Rollups, func(a, b HollowRollup) bool { return a == b }); err != nil {
		return warnings, err
	}
	if err := applyFieldDiffs(state.LeasedReaders, diff.LeasedReaders, func(a, b LeasedReaderState) bool {
		return a.LastHeartbeatMs == b.LastHeartbeatMs && a.Since.Equal(b.Since)
	}); err != nil {
		return warnings, err
	}
	if err := applyFieldDiffs(state.CriticalReaders, diff.CriticalReaders, func(a, b CriticalReaderState) bool {
		return a.Since.Equal(b.Since)
	}); err != nil {
		return warnings, err
	}
	if err := applyFieldDiffs(state.Writers, diff.Writers, func(a, b WriterState) bool { return a == b }); err != nil {
		return warnings, err
	}
	if err := applyFieldDiffs(state.Schemas, diff.Schemas, func(a, b EncodedSchema) bool { return string(a) == string(b) }); err != nil {
		return warnings, err
	}

	// Legacy mode applies the since change before batches/merge-res
	// (spec.md §4.3.2), so the empty boundary batches the lenient merge-res
	// path splits off already carry the target since. Trace.AdvanceSince
	// only lets since advance; a diff that lowers it fails here.
	if diff.Since != nil {
		if err := state.Trace.AdvanceSince(diff.Since.To); err != nil {
			return warnings, fmt.Errorf("statediff: applying since diff: %w", err)
		}
	}

	for _, b := range diff.Batches {
		if err := state.Trace.Push(b); err != nil {
			return warnings, fmt.Errorf("statediff: applying batch diff: %w", err)
		}
	}
	for _, mr := range diff.MergeRes {
		ok, err := state.Trace.ApplyMergeRes(mr)
		if err != nil {
			return warnings, fmt.Errorf("statediff: applying merge res: %w", err)
		}
		if !ok {
			if err := state.Trace.ApplyMergeResLenient(mr); err != nil {
				return warnings, fmt.Errorf("statediff: applying merge res (lenient fallback): %w", err)
			}
		}
	}

	state.SeqNo = diff.SeqNoTo
	state.WalltimeMs = diff.WalltimeMs
	return warnings, nil
}

// applyFieldDiffs applies a batch of Insert/Update/Delete entries to m,
// using eq to verify the recorded "from" value against m's current entry
// for Update and Delete. A mismatch on any of the three operations
// indicates the diff was computed against a different base state than m
// currently reflects, i.e. catalogue corruption, and is returned as an
// error per spec.md §4.3.2 step 4.
func applyFieldDiffs[K comparable, V any](m map[K]V, diffs []StateFieldDiff[K, V], eq func(a, b V) bool) error {
	for _, d := range diffs {
		cur, exists := m[d.Key]
		switch d.Type {
		case DiffInsert:
			if exists {
				return fmt.Errorf("statediff: insert diff for key %v but entry already exists", d.Key)
			}
			m[d.Key] = d.To
		case DiffUpdate:
			if !exists {
				return fmt.Errorf("statediff: update diff for key %v but no entry exists", d.Key)
			}
			if !eq(cur, d.From) {
				return fmt.Errorf("statediff: update diff for key %v: recorded from-value does not match current entry", d.Key)
			}
			m[d.Key] = d.To
		case DiffDelete:
			if !exists {
				return fmt.Errorf("statediff: delete diff for key %v but no entry exists", d.Key)
			}
			if !eq(cur, d.From) {
				return fmt.Errorf("statediff: delete diff for key %v: recorded from-value does not match current entry", d.Key)
			}
			delete(m, d.Key)
		default:
			return fmt.Errorf("statediff: unknown diff type %v for key %v", d.Type, d.Key)
		}
	}
	return nil
}
