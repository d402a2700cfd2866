// Package coordinator implements the single-threaded actor that owns the
// catalogue, the Frontier Registry, per-timeline Oracles, session state,
// active COPY handles, and the write-lock.
//
// Grounded on eventloop/loop.go's run/tick single-goroutine mailbox drain:
// one goroutine owns all mutable state and every external interaction
// crosses a channel, never a shared-memory write. This package drops the
// teacher's FD poller and fast-path optimization (the Coordinator has no
// raw file descriptors to watch) and keeps the core idea: a biased,
// priority-ordered drain loop over several channels.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/coreerr"
	"github.com/coredbio/core/internal/corelog"
	"github.com/coredbio/core/internal/frontier"
	"github.com/coredbio/core/internal/metrics"
	"github.com/coredbio/core/internal/oracle"
	"github.com/coredbio/core/internal/statediff/trace"
	"github.com/coredbio/core/internal/wire"
)

// SlotDropper abstracts the Postgres replication-slot teardown a dropped
// source's best-effort background task performs.
type SlotDropper interface {
	DropReplicationSlot(ctx context.Context, gid antichain.Gid) error
}

// PersistWriter abstracts the durable multi-stream write path a commit with
// persisted-table writes must go through. Implemented by the persist
// engine; stubbed by tests.
type PersistWriter interface {
	// WriteBatch durably appends updates for every given Gid at ts,
	// returning once the write is acknowledged. batches carries
	// already-staged trace batches (from a completed oneshot ingest,
	// spec.md §4.5.1 step 4) to push onto the corresponding Gid's spine
	// directly, bypassing row-level update encoding.
	WriteBatch(ctx context.Context, ts antichain.Uint64, writes map[antichain.Gid][]wire.Update, batches map[antichain.Gid][]trace.HollowBatch) error
}

// WorkerBroadcaster abstracts sending a Command to every dataflow worker.
type WorkerBroadcaster interface {
	Broadcast(cmd wire.Command)
}

// Catalog abstracts the subset of catalogue state the Coordinator consults:
// dependency resolution for peek timestamp determination, schema adjacency
// for the transaction time-domain check, and persisted/volatile
// classification for commit partitioning.
type Catalog interface {
	// DependentIndexes returns, for a set of source Gids, the index Gids
	// that materialize them and the subset of sources with no materializing
	// index at all.
	DependentIndexes(sources []antichain.Gid) (indexes []antichain.Gid, unmaterialized []antichain.Gid)
	// SchemaNeighbors returns every Gid in the schema(s) adjacent to gid,
	// used to compute a transaction's time domain.
	SchemaNeighbors(gid antichain.Gid) []antichain.Gid
	// IsPersisted reports whether table writes to gid go through the
	// persist engine (true) or are broadcast directly to workers (false).
	IsPersisted(gid antichain.Gid) bool
	// Transact applies a catalogue transaction, returning the drop-side
	// effects the Coordinator dispatches afterwards. No builtin-table
	// update batch is returned.
	Transact(txn CatalogTxn) (DropEffects, error)
}

// CatalogTxn is an opaque catalogue mutation description; its shape belongs
// to the planner, the Coordinator only threads it through Transact.
type CatalogTxn struct {
	Apply func() (DropEffects, error)
}

// DropEffects lists the side effects a catalogue transaction's drops
// require, collected before the transaction is applied (spec.md §4.4.8).
type DropEffects struct {
	DroppedSources []antichain.Gid
	DroppedSinks   []antichain.Gid
	DroppedIndexes []antichain.Gid
	// PostgresSourceDrops lists sources whose replication slot should be
	// best-effort dropped by a background task.
	PostgresSourceDrops []antichain.Gid
}

// ConnMeta is per-session state the Coordinator owns.
type ConnMeta struct {
	ConnID     uint32
	SecretKey  uint32
	Timeline   string // empty means no timeline pinned
	CancelCh   chan struct{}
	inTxn      bool
	timeDomain map[antichain.Gid]struct{}
	domainTS   antichain.Uint64
}

// ActiveCopyFrom tracks an in-flight oneshot ingest, keyed by conn id so a
// cancel or a late StagedBatches feedback message can find it.
type ActiveCopyFrom struct {
	IngestID uint64
	Cluster  string
	Table    antichain.Gid
}

// deferredPlan is one entry of the write-lock wait group (spec.md §4.4.5).
type deferredPlan struct {
	connID uint32
	run    func()
	resp   chan error
}

// When is a peek's requested timestamp policy.
type When struct {
	AtTimestamp *antichain.Uint64 // non-nil: AtTimestamp(t)
}

// TimestampRequest is the input to DetermineTimestamp (spec.md §4.4.3).
type TimestampRequest struct {
	Sources  []antichain.Gid
	When     When
	Timeline string // empty means "no timeline known"
}

// TimestampResult is the output of a successful DetermineTimestamp.
type TimestampResult struct {
	Timestamp   antichain.Uint64
	IndexesUsed []antichain.Gid
}

// nowFunc is swappable for deterministic tests of EpochMilliseconds
// clamping.
type nowFunc func() antichain.Uint64

// Coordinator is the single-threaded actor described in spec.md §4.4.
type Coordinator struct {
	catalog   Catalog
	registry  *frontier.Registry
	workers   WorkerBroadcaster
	persist   PersistWriter
	slots     SlotDropper
	log       *corelog.Logger
	metrics   *metrics.Registry
	now       nowFunc
	epochLine string // the timeline name treated as EpochMilliseconds, for wall-clock clamping

	oraclesMu sync.Mutex
	oracles   map[string]*oracle.Oracle

	connsMu sync.Mutex
	conns   map[uint32]*ConnMeta

	copiesMu sync.Mutex
	copies   map[uint32]*ActiveCopyFrom

	peeksMu sync.Mutex
	peeks   map[uint32]chan wire.PeekResult

	tailsMu sync.Mutex
	tails   map[antichain.Gid]chan wire.TailResponse

	closedUpTo antichain.Uint64

	writeLock  sync.Mutex
	deferredMu sync.Mutex
	deferred   []deferredPlan

	internalCh chan func(*Coordinator)
	feedbackCh chan wire.Feedback
	metricsCh  chan func(*Coordinator)
	externalCh chan func(*Coordinator)
}

// New constructs a Coordinator. mailboxCapacity bounds each of the four
// mailbox channels. slots may be nil, in which case dropped Postgres
// sources simply skip the best-effort slot teardown.
func New(catalog Catalog, registry *frontier.Registry, workers WorkerBroadcaster, persist PersistWriter, slots SlotDropper, log *corelog.Logger, reg *metrics.Registry, now nowFunc, epochLine string, mailboxCapacity int) *Coordinator {
	if mailboxCapacity <= 0 {
		mailboxCapacity = 256
	}
	return &Coordinator{
		catalog:    catalog,
		registry:   registry,
		workers:    workers,
		persist:    persist,
		slots:      slots,
		log:        log,
		metrics:    reg,
		now:        now,
		epochLine:  epochLine,
		oracles:    make(map[string]*oracle.Oracle),
		conns:      make(map[uint32]*ConnMeta),
		copies:     make(map[uint32]*ActiveCopyFrom),
		peeks:      make(map[uint32]chan wire.PeekResult),
		tails:      make(map[antichain.Gid]chan wire.TailResponse),
		internalCh: make(chan func(*Coordinator), mailboxCapacity),
		feedbackCh: make(chan wire.Feedback, mailboxCapacity),
		metricsCh:  make(chan func(*Coordinator), mailboxCapacity),
		externalCh: make(chan func(*Coordinator), mailboxCapacity),
	}
}

// oracleFor returns (creating if necessary) the Oracle for a timeline.
func (c *Coordinator) oracleFor(timeline string) *oracle.Oracle {
	c.oraclesMu.Lock()
	defer c.oraclesMu.Unlock()
	o, ok := c.oracles[timeline]
	if !ok {
		o = oracle.New(antichain.MinTimestamp)
		c.oracles[timeline] = o
	}
	return o
}

// Run drains the mailbox until ctx is cancelled, biased toward internal
// commands, then worker feedback, then Frontier Registry since proposals,
// then metrics, then external commands —
// exactly the teacher's tick ordering (internal tasks before the external
// budget), generalized from "priority task queue" to "priority channel".
func (c *Coordinator) Run(ctx context.Context) {
	for {
		if c.drainOnce(ctx) {
			return
		}
	}
}

// drainOnce processes at most one message, honoring priority order, and
// reports whether ctx was cancelled.
func (c *Coordinator) drainOnce(ctx context.Context) bool {
	select {
	case fn := <-c.internalCh:
		fn(c)
		return false
	default:
	}
	select {
	case fb := <-c.feedbackCh:
		c.handleFeedback(fb)
		return false
	default:
	}
	select {
	case gid := <-c.registry.Proposals():
		c.handleSinceProposal(gid)
		return false
	default:
	}
	select {
	case fn := <-c.metricsCh:
		fn(c)
		return false
	default:
	}
	select {
	case <-ctx.Done():
		return true
	case fn := <-c.internalCh:
		fn(c)
	case fb := <-c.feedbackCh:
		c.handleFeedback(fb)
	case gid := <-c.registry.Proposals():
		c.handleSinceProposal(gid)
	case fn := <-c.metricsCh:
		fn(c)
	case fn := <-c.externalCh:
		fn(c)
	}
	return false
}

// handleSinceProposal implements the compaction-request half of the
// Frontier Registry data flow (§4.2; §2 "FrontierRegistry → compaction
// requests"): drain a pending since-advancement candidate for gid, apply
// it via AdvanceSince (clamped by any live capability token), and
// broadcast AllowCompaction so dataflow workers can physically compact
// their state below the new since.
func (c *Coordinator) handleSinceProposal(gid antichain.Gid) {
	proposed, ok := c.registry.PendingSince(gid)
	if !ok {
		return
	}
	newSince, err := c.registry.AdvanceSince(gid, proposed)
	if err != nil {
		c.logError("advancing since for "+gid.String(), err)
		return
	}
	if c.workers != nil {
		c.workers.Broadcast(wire.AllowCompaction{Frontiers: []wire.GidFrontier{{ID: gid, Frontier: newSince}}})
	}
}

// handleFeedback applies worker-observed frontier changes, then triggers
// the "advance tables" procedure if any Gid's upper moved.
func (c *Coordinator) handleFeedback(fb wire.Feedback) {
	if c.metrics != nil {
		c.metrics.MailboxMessagesTotal.WithLabelValues("feedback").Inc()
	}
	switch v := fb.(type) {
	case wire.PeekResponse:
		if ch, ok := c.ResolvePeek(v.ConnID); ok {
			ch <- v.Response
			close(ch)
		}
	case wire.TailResponse:
		c.tailsMu.Lock()
		ch, ok := c.tails[v.SinkID]
		c.tailsMu.Unlock()
		if ok {
			select {
			case ch <- v:
			default:
				// drop-oldest: make room for the freshest row rather than
				// block the worker feedback path on a slow TAIL consumer.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- v:
				default:
				}
			}
		}
	case wire.FrontierUppers:
		advanced := false
		for _, change := range v.Changes {
			if err := c.registry.UpdateUpper(change.ID, change.Changes); err != nil {
				c.logError("frontier upper update rejected", err)
				continue
			}
			advanced = true
			if c.metrics != nil {
				c.metrics.FrontierAdvancesTotal.WithLabelValues(change.ID.Kind.String()).Inc()
			}
		}
		if advanced {
			c.AdvanceTables(context.Background())
		}
	case wire.TimestampBindings:
		for _, change := range v.Changes {
			_ = c.registry.UpdateUpper(change.ID, change.Changes)
		}
	}
}

func (c *Coordinator) logError(msg string, err error) {
	if c.log == nil {
		return
	}
	c.log.Notice().Str("error", err.Error()).Log(msg)
}

// AdvanceTables is spec.md §4.4.2: close off the next table timestamp and
// broadcast it to workers, then re-synchronize the timeline oracle.
func (c *Coordinator) AdvanceTables(ctx context.Context) {
	o := c.oracleFor(c.epochLine)
	nextTs := o.WriteTS() + 1
	if nextTs <= c.closedUpTo {
		return
	}

	// Fire-and-forget seal: table availability, not correctness, depends
	// on it reaching the persist engine.
	if c.persist != nil {
		go func() {
			_ = c.persist.WriteBatch(ctx, nextTs, nil, nil)
		}()
	}

	if c.workers != nil {
		c.workers.Broadcast(wire.AdvanceAllLocalInputs{AdvanceTo: nextTs})
	}
	c.closedUpTo = nextTs

	o.EnsureAtLeast(nextTs - 1)
	o.ReadTS()
}

// DetermineTimestamp implements spec.md §4.4.3.
func (c *Coordinator) DetermineTimestamp(req TimestampRequest) (TimestampResult, error) {
	indexes, unmaterialized := c.catalog.DependentIndexes(req.Sources)
	if len(unmaterialized) > 0 {
		names := make([]string, len(unmaterialized))
		for i, g := range unmaterialized {
			names[i] = g.String()
		}
		return TimestampResult{}, &coreerr.AutomaticTimestampFailure{Unmaterialized: names}
	}

	since := antichain.Join(c.registry.LeastValidSince(indexes...), c.registry.LeastValidSince(req.Sources...))

	var candidate antichain.Uint64
	if req.When.AtTimestamp != nil {
		candidate = *req.When.AtTimestamp
	} else {
		if req.Timeline != "" {
			candidate = c.oracleFor(req.Timeline).ReadTS()
		} else {
			candidate = antichain.Uint64(^uint64(0)) // T::MAX
		}

		joint := c.registry.GreatestOpenUpper(append(append([]antichain.Gid{}, indexes...), req.Sources...)...)
		if u, ok := joint.Min(); ok && u > 0 {
			if freshest := u - 1; freshest > candidate {
				candidate = freshest
			}
		}

		if req.Timeline == c.epochLine && c.now != nil {
			if wallClock := c.now(); candidate > wallClock {
				candidate = wallClock
			}
		}

		if !(since.LessEqual(antichain.New(candidate))) {
			candidate = candidate.Join(mustMin(since))
		}

		if candidate == antichain.MinTimestamp {
			var blocking []string
			for _, idx := range indexes {
				if f, ok := c.registry.Get(idx); ok {
					if u, ok := f.Upper.Min(); !ok || u <= 0 {
						blocking = append(blocking, idx.String())
					}
				}
			}
			if len(blocking) > 0 {
				return TimestampResult{}, &coreerr.IncompleteTimestamp{IDs: blocking}
			}
		}

		if req.Timeline != "" {
			c.oracleFor(req.Timeline).EnsureAtLeast(candidate)
		}
	}

	if !since.LessEqual(antichain.New(candidate)) {
		return TimestampResult{}, fmt.Errorf("coordinator: since %s blocks candidate timestamp %d", since, candidate)
	}
	return TimestampResult{Timestamp: candidate, IndexesUsed: indexes}, nil
}

// mustMin returns an antichain's least element, or MinTimestamp if empty
// (an empty since means "all times closed", which join-assigns as a no-op).
func mustMin(a antichain.Antichain) antichain.Uint64 {
	if u, ok := a.Min(); ok {
		return u
	}
	return antichain.MinTimestamp
}

// EstablishTimeDomain implements spec.md §4.4.4: compute and pin the time
// domain for a transaction's first peek.
func (c *Coordinator) EstablishTimeDomain(conn *ConnMeta, touched []antichain.Gid, ts antichain.Uint64) []*frontier.CapabilityToken {
	domain := make(map[antichain.Gid]struct{})
	for _, g := range touched {
		domain[g] = struct{}{}
		for _, n := range c.catalog.SchemaNeighbors(g) {
			domain[n] = struct{}{}
		}
	}
	conn.timeDomain = domain
	conn.domainTS = ts

	var tokens []*frontier.CapabilityToken
	for g := range domain {
		if tok, err := c.registry.AcquireToken(g); err == nil {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// CheckTimeDomain implements the time-domain violation check for
// subsequent peeks within a transaction whose domain is already pinned.
func (c *Coordinator) CheckTimeDomain(conn *ConnMeta, touched []antichain.Gid) error {
	if conn.timeDomain == nil {
		return nil
	}
	var offending []string
	for _, g := range touched {
		if _, ok := conn.timeDomain[g]; !ok {
			offending = append(offending, g.String())
		}
	}
	if len(offending) > 0 {
		return &coreerr.RelationOutsideTimeDomain{Names: offending}
	}
	return nil
}

// TryAcquireWriteLock attempts the non-blocking lock attempt described in
// spec.md §4.4.5. On failure the caller should enqueue its plan via
// DeferWrite instead of proceeding.
func (c *Coordinator) TryAcquireWriteLock() bool {
	return c.writeLock.TryLock()
}

// ReleaseWriteLock releases the write-lock and, if any plan is waiting,
// starts the asynchronous acquire-then-grant task.
func (c *Coordinator) ReleaseWriteLock() {
	c.writeLock.Unlock()
	c.deferredMu.Lock()
	hasWaiters := len(c.deferred) > 0
	c.deferredMu.Unlock()
	if hasWaiters {
		go c.acquireAndGrant()
	}
}

// DeferWrite pushes a plan onto the write-lock wait group; it will be
// re-run once the lock becomes available. The returned channel receives
// nil on successful grant-and-run, or an error if the wait was cancelled.
func (c *Coordinator) DeferWrite(connID uint32, plan func()) <-chan error {
	resp := make(chan error, 1)
	c.deferredMu.Lock()
	c.deferred = append(c.deferred, deferredPlan{connID: connID, run: plan, resp: resp})
	c.deferredMu.Unlock()
	return resp
}

// CancelDeferredWrite removes connID's deferred entry, if any, and closes
// its response channel with coreerr.ErrCanceled.
func (c *Coordinator) CancelDeferredWrite(connID uint32) {
	c.deferredMu.Lock()
	defer c.deferredMu.Unlock()
	kept := c.deferred[:0:0]
	for _, d := range c.deferred {
		if d.connID == connID {
			d.resp <- coreerr.ErrCanceled
			close(d.resp)
			continue
		}
		kept = append(kept, d)
	}
	c.deferred = kept
}

// acquireAndGrant blocks for the write-lock then enqueues an internal
// WriteLockGrant message, mirroring the "separate task acquires the lock
// asynchronously then sends a message" design.
func (c *Coordinator) acquireAndGrant() {
	c.writeLock.Lock()
	c.internalCh <- func(co *Coordinator) {
		co.handleWriteLockGrant()
	}
}

// handleWriteLockGrant pops the deferral queue head and re-runs its plan,
// holding the write-lock on its behalf.
func (c *Coordinator) handleWriteLockGrant() {
	c.deferredMu.Lock()
	if len(c.deferred) == 0 {
		c.deferredMu.Unlock()
		c.writeLock.Unlock()
		return
	}
	head := c.deferred[0]
	c.deferred = c.deferred[1:]
	c.deferredMu.Unlock()

	head.run()
	head.resp <- nil
	close(head.resp)
}

// WriteOp is one table write staged for commit.
type WriteOp struct {
	Table   antichain.Gid
	Updates []wire.Update
	// Batches holds pre-staged trace batches from a completed oneshot
	// ingest (spec.md §4.5.1 step 4): these are committed directly onto
	// the table's persist trace rather than encoded as row-level Updates.
	Batches []trace.HollowBatch
}

// Commit implements spec.md §4.4.6: partition writes, submit the persisted
// path, broadcast the volatile path, and await acknowledgement.
func (c *Coordinator) Commit(ctx context.Context, timeline string, ops []WriteOp) (antichain.Uint64, error) {
	ts := c.oracleFor(timeline).WriteTS()

	persisted := make(map[antichain.Gid][]wire.Update)
	persistedBatches := make(map[antichain.Gid][]trace.HollowBatch)
	var volatile []WriteOp
	sawPersisted, sawVolatile := false, false
	for _, op := range ops {
		if c.catalog.IsPersisted(op.Table) {
			if len(op.Updates) > 0 {
				persisted[op.Table] = op.Updates
			}
			if len(op.Batches) > 0 {
				persistedBatches[op.Table] = op.Batches
			}
			sawPersisted = true
		} else {
			volatile = append(volatile, op)
			sawVolatile = true
		}
	}
	if sawPersisted && sawVolatile {
		return 0, &coreerr.Unstructured{Msg: "mixed persistent and volatile writes"}
	}

	if sawPersisted {
		if c.persist == nil {
			return 0, &coreerr.Unstructured{Msg: "no persist writer configured"}
		}
		if err := c.persist.WriteBatch(ctx, ts, persisted, persistedBatches); err != nil {
			return 0, fmt.Errorf("coordinator: commit: %w", err)
		}
	}
	for _, op := range volatile {
		if c.workers != nil {
			c.workers.Broadcast(wire.Insert{ID: op.Table, Updates: op.Updates})
		}
	}
	return ts, nil
}

// HandleCancel implements spec.md §4.4.7.
func (c *Coordinator) HandleCancel(connID uint32, secretKey uint32) {
	c.connsMu.Lock()
	conn, ok := c.conns[connID]
	c.connsMu.Unlock()
	if !ok || conn.SecretKey != secretKey {
		return // spurious or malicious; silently ignored
	}
	if c.workers != nil {
		c.workers.Broadcast(wire.CancelPeek{ConnID: connID})
	}
	if ch, ok := c.ResolvePeek(connID); ok {
		close(ch)
	}
	c.CancelDeferredWrite(connID)
	select {
	case conn.CancelCh <- struct{}{}:
	default:
	}
}

// RegisterConn installs a fresh session, called when a client connects.
func (c *Coordinator) RegisterConn(connID, secretKey uint32) *ConnMeta {
	conn := &ConnMeta{ConnID: connID, SecretKey: secretKey, CancelCh: make(chan struct{}, 1)}
	c.connsMu.Lock()
	c.conns[connID] = conn
	c.connsMu.Unlock()
	return conn
}

// DeregisterConn removes a session's bookkeeping on disconnect.
func (c *Coordinator) DeregisterConn(connID uint32) {
	c.connsMu.Lock()
	delete(c.conns, connID)
	c.connsMu.Unlock()
}

// TrackCopy records an in-flight oneshot ingest for later cancel/feedback
// lookup (spec.md §4.5.1).
func (c *Coordinator) TrackCopy(connID uint32, copy *ActiveCopyFrom) {
	c.copiesMu.Lock()
	c.copies[connID] = copy
	c.copiesMu.Unlock()
}

// LookupCopy returns the active ingest for a connection, if any.
func (c *Coordinator) LookupCopy(connID uint32) (*ActiveCopyFrom, bool) {
	c.copiesMu.Lock()
	defer c.copiesMu.Unlock()
	cp, ok := c.copies[connID]
	return cp, ok
}

// UntrackCopy removes a connection's ingest bookkeeping once it completes
// or is cancelled.
func (c *Coordinator) UntrackCopy(connID uint32) {
	c.copiesMu.Lock()
	delete(c.copies, connID)
	c.copiesMu.Unlock()
}

// tailBufferSize bounds a registered TAIL's response channel (spec.md §9
// flags an unbounded channel as a memory hazard); overflow drops the
// oldest buffered row rather than blocking the worker feedback path.
const tailBufferSize = 256

// RegisterPeek allocates the response channel a pending peek's
// wire.PeekResponse feedback will be routed to.
func (c *Coordinator) RegisterPeek(connID uint32) <-chan wire.PeekResult {
	ch := make(chan wire.PeekResult, 1)
	c.peeksMu.Lock()
	c.peeks[connID] = ch
	c.peeksMu.Unlock()
	return ch
}

// ResolvePeek removes and returns connID's pending peek channel, if any, so
// a cancellation can close it without leaking a send into a channel no one
// is waiting on.
func (c *Coordinator) ResolvePeek(connID uint32) (chan wire.PeekResult, bool) {
	c.peeksMu.Lock()
	defer c.peeksMu.Unlock()
	ch, ok := c.peeks[connID]
	if ok {
		delete(c.peeks, connID)
	}
	return ch, ok
}

// RegisterTail opens a bounded, drop-oldest response channel for sinkID's
// TAIL feedback.
func (c *Coordinator) RegisterTail(sinkID antichain.Gid) <-chan wire.TailResponse {
	ch := make(chan wire.TailResponse, tailBufferSize)
	c.tailsMu.Lock()
	c.tails[sinkID] = ch
	c.tailsMu.Unlock()
	return ch
}

// UnregisterTail closes out a TAIL's response channel once the client
// cancels or the sink is dropped.
func (c *Coordinator) UnregisterTail(sinkID antichain.Gid) {
	c.tailsMu.Lock()
	delete(c.tails, sinkID)
	c.tailsMu.Unlock()
}

// CatalogTransact implements spec.md §4.4.8: apply the transaction through
// the catalogue, which returns its drop-side effects, then dispatch the
// resulting worker commands, Frontier Registry removals, and best-effort
// replication-slot drops.
func (c *Coordinator) CatalogTransact(txn CatalogTxn) (DropEffects, error) {
	effects, err := c.catalog.Transact(txn)
	if err != nil {
		return DropEffects{}, err
	}

	if c.workers != nil {
		if len(effects.DroppedSources) > 0 {
			c.workers.Broadcast(wire.DropSources{IDs: effects.DroppedSources})
		}
		if len(effects.DroppedSinks) > 0 {
			c.workers.Broadcast(wire.DropSinks{IDs: effects.DroppedSinks})
		}
		if len(effects.DroppedIndexes) > 0 {
			c.workers.Broadcast(wire.DropIndexes{IDs: effects.DroppedIndexes})
		}
	}
	for _, g := range effects.DroppedSources {
		c.registry.Remove(g)
	}
	for _, g := range effects.DroppedIndexes {
		c.registry.Remove(g)
	}
	// Postgres replication-slot drops are a best-effort background task:
	// losing the race with a process crash just leaks a slot, which an
	// operator can reclaim manually, so no synchronous wait here.
	for _, g := range effects.PostgresSourceDrops {
		go c.dropReplicationSlotBestEffort(g)
	}
	return effects, nil
}

// dropReplicationSlotBestEffort retries the slot teardown with exponential
// backoff, bounded so a permanently-unreachable Postgres instance doesn't
// leak the goroutine forever; a final failure is logged and the slot is
// left for an operator to reclaim.
func (c *Coordinator) dropReplicationSlotBestEffort(gid antichain.Gid) {
	if c.slots == nil {
		return
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 10 * time.Minute
	err := backoff.Retry(func() error {
		return c.slots.DropReplicationSlot(context.Background(), gid)
	}, b)
	if err != nil {
		c.logError(fmt.Sprintf("giving up dropping replication slot for %s", gid), err)
	}
}

// SubmitExternal enqueues fn to run on the Coordinator goroutine, lowest
// priority.
func (c *Coordinator) SubmitExternal(fn func(*Coordinator)) { c.externalCh <- fn }

// SubmitInternal enqueues fn to run on the Coordinator goroutine ahead of
// feedback, metrics, and external messages.
func (c *Coordinator) SubmitInternal(fn func(*Coordinator)) { c.internalCh <- fn }

// SubmitFeedback enqueues a worker feedback message.
func (c *Coordinator) SubmitFeedback(fb wire.Feedback) { c.feedbackCh <- fb }

// SubmitMetrics enqueues a metrics-scrape task, fourth priority (after
// internal, feedback, and since-proposal messages).
func (c *Coordinator) SubmitMetrics(fn func(*Coordinator)) { c.metricsCh <- fn }
