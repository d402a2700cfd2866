package ingest

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/coreerr"
	"github.com/coredbio/core/internal/statediff/trace"
)

// DefaultFlushThresholdBytes is the compile-time COPY batch flush
// threshold from spec.md §4.5.2 step 4.
const DefaultFlushThresholdBytes = 32 << 20

// RowDecoder parses one byte chunk into rows (TSV/CSV format parser).
type RowDecoder interface {
	Decode(chunk []byte) (rows [][][]byte, err error)
}

// ColumnTransform reassembles an input row into full table-column order
// when the client's column list doesn't match the table's arity/ordering
// (spec.md §4.5.2 "Set up").
type ColumnTransform struct {
	// Defaults holds one pre-computed default value per output column.
	Defaults [][]byte
	// Mapping has one entry per output column: >=0 indexes into the
	// decoded input row; <0 indexes into Defaults at -1-mapping.
	Mapping []int
}

// Apply reassembles a decoded input row into full output-column order.
func (t *ColumnTransform) Apply(row [][]byte) [][]byte {
	if t == nil {
		return row
	}
	out := make([][]byte, len(t.Mapping))
	for i, m := range t.Mapping {
		if m >= 0 {
			out[i] = row[m]
		} else {
			out[i] = t.Defaults[-1-m]
		}
	}
	return out
}

// ColumnValidator checks one fully-assembled row against table
// constraints (NOT NULL, type coercion, etc.); returning an error stops
// the worker, and Fanout.Collect then fails the whole COPY.
type ColumnValidator func(row [][]byte) error

// BatchBuilder accumulates rows at a fixed lower timestamp, flushing once
// the accumulated byte count crosses thresholdBytes (spec.md §4.5.2 step
// 4), mirroring microbatch.Batcher's size-triggered flush generalized from
// a job count to a byte count.
type BatchBuilder struct {
	lower     antichain.Uint64
	threshold int
	rows      [][][]byte
	bytes     int
}

// NewBatchBuilder starts a builder for rows at the given lower timestamp.
func NewBatchBuilder(lower antichain.Uint64, thresholdBytes int) *BatchBuilder {
	if thresholdBytes <= 0 {
		thresholdBytes = DefaultFlushThresholdBytes
	}
	return &BatchBuilder{lower: lower, threshold: thresholdBytes}
}

// Append adds a row, returning true if the byte threshold was crossed
// (the caller should call Finish and start a fresh builder at the same
// lower timestamp).
func (b *BatchBuilder) Append(row [][]byte) bool {
	b.rows = append(b.rows, row)
	for _, col := range row {
		b.bytes += len(col)
	}
	return b.bytes >= b.threshold
}

// Finish produces the builder's HollowBatch, even if empty (spec.md
// §4.5.2 step 5's "preserve at-least-one-batch invariant").
func (b *BatchBuilder) Finish() trace.HollowBatch {
	return trace.HollowBatch{
		Desc: trace.Description{
			Lower: antichain.New(b.lower),
			Upper: antichain.New(b.lower + 1),
			Since: antichain.New(antichain.MinTimestamp),
		},
		Parts: []trace.RunPart{trace.RunPart(fmt.Sprintf("copy-%d-%p", b.lower, b))},
		Len:   uint64(len(b.rows)),
	}
}

// WorkerResult is one STDIN copy worker's contribution to the collector.
type WorkerResult struct {
	Batches []trace.HollowBatch
	Rows    uint64
}

// Worker is one blocking OS thread's COPY STDIN state: a bounded,
// tightly-backpressured input channel, a decoder, an optional column
// transform, and a batch builder restarted every time the byte threshold
// trips.
type Worker struct {
	Chunks    chan []byte // capacity 1, closed on EOF
	Decoder   RowDecoder
	Transform *ColumnTransform
	Validate  ColumnValidator
	Threshold int
	Lower     antichain.Uint64
}

// NewWorker constructs a Worker with a tightly-bounded chunk channel
// (capacity 1, for back-pressure per spec.md §4.5.2 "Per worker").
func NewWorker(decoder RowDecoder, transform *ColumnTransform, validate ColumnValidator, lower antichain.Uint64, thresholdBytes int) *Worker {
	return &Worker{
		Chunks:    make(chan []byte, 1),
		Decoder:   decoder,
		Transform: transform,
		Validate:  validate,
		Threshold: thresholdBytes,
		Lower:     lower,
	}
}

// Run drains w.Chunks until closed, decoding, transforming, and
// validating every row, and returns the accumulated batches plus row
// count (spec.md §4.5.2 "The worker loop").
func (w *Worker) Run(ctx context.Context) (WorkerResult, error) {
	builder := NewBatchBuilder(w.Lower, w.Threshold)
	var result WorkerResult

	flush := func() {
		b := builder.Finish()
		result.Batches = append(result.Batches, b)
		result.Rows += b.Len
		builder = NewBatchBuilder(w.Lower, w.Threshold)
	}

	for {
		select {
		case <-ctx.Done():
			return WorkerResult{}, ctx.Err()
		case chunk, ok := <-w.Chunks:
			if !ok {
				flush() // EOF: finish remaining builder, even if empty
				return result, nil
			}
			rows, err := w.Decoder.Decode(chunk)
			if err != nil {
				return WorkerResult{}, fmt.Errorf("ingest: decoding chunk: %w", err)
			}
			for _, row := range rows {
				full := w.Transform.Apply(row)
				if w.Validate != nil {
					if err := w.Validate(full); err != nil {
						return WorkerResult{}, err
					}
				}
				if builder.Append(full) {
					flush()
				}
			}
		}
	}
}

// Fanout owns a pool of STDIN copy workers and distributes incoming byte
// chunks across them round-robin, matching spec.md §4.5.2's "pgwire
// writes distribute chunks across workers round-robin".
type Fanout struct {
	workers []*Worker
	next    int
}

// NewFanout builds a Fanout with one Worker per available CPU (or
// numWorkers, if positive), each starting at the same floor timestamp;
// the Coordinator re-timestamps all batches at commit.
func NewFanout(decoder RowDecoder, transform *ColumnTransform, validate ColumnValidator, numWorkers int, lower antichain.Uint64, thresholdBytes int) *Fanout {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	f := &Fanout{workers: make([]*Worker, numWorkers)}
	for i := range f.workers {
		f.workers[i] = NewWorker(decoder, transform, validate, lower, thresholdBytes)
	}
	return f
}

// Dispatch sends chunk to the next worker round-robin. Blocking: each
// worker's channel has capacity 1, so this provides tight back-pressure
// all the way back to the pgwire reader.
func (f *Fanout) Dispatch(ctx context.Context, chunk []byte) error {
	w := f.workers[f.next]
	f.next = (f.next + 1) % len(f.workers)
	select {
	case w.Chunks <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals EOF to every worker.
func (f *Fanout) Close() {
	for _, w := range f.workers {
		close(w.Chunks)
	}
}

// Collect runs every worker concurrently and awaits them all, matching
// spec.md §4.5.2's "collector task": on success it combines every
// worker's batches and total row count; a single worker error (including
// a worker panic, recovered and converted to an error) fails the whole
// COPY.
func (f *Fanout) Collect(ctx context.Context) ([]trace.HollowBatch, uint64, error) {
	g, ctx := errgroup.WithContext(ctx)
	results := make([]WorkerResult, len(f.workers))
	for i, w := range f.workers {
		i, w := i, w
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("ingest: copy worker panicked: %v", p)
				}
			}()
			r, err := w.Run(ctx)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var batches []trace.HollowBatch
	var total uint64
	for _, r := range results {
		batches = append(batches, r.Batches...)
		total += r.Rows
	}
	if len(batches) == 0 {
		return nil, 0, &coreerr.Unstructured{Msg: "copy produced no batches"}
	}
	return batches, total, nil
}
