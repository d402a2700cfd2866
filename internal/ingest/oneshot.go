// Package ingest implements the two data-loading paths owned by the
// Coordinator: oneshot URL/S3 ingest (spec.md §4.5.1) and the STDIN COPY
// fan-out worker pool (spec.md §4.5.2).
//
// Grounded on microbatch/microbatch.go's size-triggered batch builder
// (adapted from count/interval triggering to a byte-threshold trigger) and
// on sql/export/export.go's channel-based fan-out/fan-in with first-error-
// wins semantics.
package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync/atomic"

	rendezvous "github.com/dgryski/go-rendezvous"

	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/coordinator"
	"github.com/coredbio/core/internal/coreerr"
	"github.com/coredbio/core/internal/statediff/trace"
)

// fnvHash is the Hasher rendezvous.New requires: a plain, fast, non-crypto
// string hash, matching the package's own expectation that callers supply
// one rather than bundling a particular algorithm.
func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Column describes one destination-table column relevant to NOT NULL
// validation.
type Column struct {
	Name     string
	Nullable bool
}

// MFP is the oneshot ingest's map-filter-projection, reduced to the one
// property §4.5.1 step 1 needs: per output column, whether a projection
// input populates it and whether the MFP supplies a NULL literal for it.
type MFP struct {
	ProjectionInput []bool
	NullLiteral     []bool
}

// ValidateNotNull implements spec.md §4.5.1 step 1: every non-nullable
// column must be populated by a projection input or a non-NULL literal.
func ValidateNotNull(columns []Column, mfp MFP) error {
	for i, col := range columns {
		if col.Nullable {
			continue
		}
		if i < len(mfp.ProjectionInput) && mfp.ProjectionInput[i] {
			continue
		}
		if i < len(mfp.NullLiteral) && mfp.NullLiteral[i] {
			return &coreerr.ConstraintViolation{Cause: &coreerr.NotNullViolation{Column: col.Name}}
		}
	}
	return nil
}

// SourceFilter narrows a oneshot ingest to a subset of files.
type SourceFilter struct {
	Files   []string
	Pattern string
}

// OneshotRequest is the validated input to a oneshot ingest dispatch.
type OneshotRequest struct {
	ConnID  uint32
	Cluster string
	Table   antichain.Gid
	Columns []Column
	MFP     MFP
	Filter  SourceFilter
}

// StagedBatches is the feedback message a storage-controller dispatch
// sends back into the Coordinator mailbox on completion.
type StagedBatches struct {
	ConnID  uint32
	Table   antichain.Gid
	Batches []trace.HollowBatch
	// Errs holds one entry per proto-batch that failed; a non-empty Errs
	// fails the entire operation (orphan batches are an acknowledged
	// leak, per spec.md §4.5.1 step 4).
	Errs []error
}

// StorageController abstracts the storage layer's one-shot ingest
// dispatch: given a request and an ingest id, it runs asynchronously and
// invokes onComplete exactly once.
type StorageController interface {
	Dispatch(ctx context.Context, req OneshotRequest, ingestID uint64, onComplete func(StagedBatches)) error
}

// Dispatcher runs oneshot ingests against a pool of storage-controller
// shards, using rendezvous hashing to pick a shard for a table
// deterministically (so a retried dispatch for the same table tends to
// land on the same shard, instead of spreading retries randomly).
type Dispatcher struct {
	shards       []StorageController
	shardNames   []string
	hash         *rendezvous.Rendezvous
	nextIngestID atomic.Uint64
}

// NewDispatcher builds a Dispatcher over named storage-controller shards.
func NewDispatcher(names []string, shards []StorageController) *Dispatcher {
	if len(names) != len(shards) {
		panic("ingest: names and shards length mismatch")
	}
	return &Dispatcher{
		shards:     shards,
		shardNames: names,
		hash:       rendezvous.New(names, fnvHash),
	}
}

func (d *Dispatcher) shardFor(table antichain.Gid) StorageController {
	name := d.hash.Lookup(table.String())
	for i, n := range d.shardNames {
		if n == name {
			return d.shards[i]
		}
	}
	return d.shards[0]
}

// Start validates req, allocates a fresh ingest id, and dispatches it to
// the storage controller shard owning req.Table. mailbox receives the
// StagedBatches feedback once the dispatch completes.
func (d *Dispatcher) Start(ctx context.Context, req OneshotRequest, mailbox func(StagedBatches)) (ingestID uint64, err error) {
	if err := ValidateNotNull(req.Columns, req.MFP); err != nil {
		return 0, err
	}
	ingestID = d.nextIngestID.Add(1)
	shard := d.shardFor(req.Table)
	if err := shard.Dispatch(ctx, req, ingestID, mailbox); err != nil {
		return 0, fmt.Errorf("ingest: dispatch: %w", err)
	}
	return ingestID, nil
}

// Complete implements spec.md §4.5.1 step 4: translate a StagedBatches
// feedback into a commit-ready write, or an error if any proto-batch
// failed. lookup resolves the ActiveCopyFrom for the conn; a missing
// conn means the COPY was cancelled, which is not an error — it just has
// no resulting write.
func Complete(sb StagedBatches, lookup func(connID uint32) (*coordinator.ActiveCopyFrom, bool)) (*coordinator.WriteOp, error) {
	copyState, ok := lookup(sb.ConnID)
	if !ok {
		return nil, nil // cancelled; log-and-drop at the call site
	}
	if len(sb.Errs) > 0 {
		return nil, fmt.Errorf("ingest: staged batches for table %s: %w", copyState.Table, sb.Errs[0])
	}
	return &coordinator.WriteOp{Table: copyState.Table, Batches: sb.Batches}, nil
}
