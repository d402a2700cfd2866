package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/coordinator"
	"github.com/coredbio/core/internal/coreerr"
	"github.com/coredbio/core/internal/frontier"
	"github.com/coredbio/core/internal/statediff/trace"
	"github.com/coredbio/core/internal/wire"
)

type fakeCatalog struct {
	mu             sync.Mutex
	indexes        map[antichain.Gid][]antichain.Gid
	unmaterialized []antichain.Gid
	neighbors      map[antichain.Gid][]antichain.Gid
	persisted      map[antichain.Gid]bool
	transact       func(coordinator.CatalogTxn) (coordinator.DropEffects, error)
}

func (f *fakeCatalog) DependentIndexes(sources []antichain.Gid) ([]antichain.Gid, []antichain.Gid) {
	var out []antichain.Gid
	for _, s := range sources {
		out = append(out, f.indexes[s]...)
	}
	return out, f.unmaterialized
}

func (f *fakeCatalog) SchemaNeighbors(gid antichain.Gid) []antichain.Gid { return f.neighbors[gid] }
func (f *fakeCatalog) IsPersisted(gid antichain.Gid) bool                { return f.persisted[gid] }
func (f *fakeCatalog) Transact(txn coordinator.CatalogTxn) (coordinator.DropEffects, error) {
	if f.transact != nil {
		return f.transact(txn)
	}
	return txn.Apply()
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	cmds []wire.Command
}

func (b *fakeBroadcaster) Broadcast(cmd wire.Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmds = append(b.cmds, cmd)
}

func (b *fakeBroadcaster) seen() []wire.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.Command(nil), b.cmds...)
}

type fakePersist struct {
	mu             sync.Mutex
	calls          int
	lastWrites     map[antichain.Gid][]wire.Update
	lastBatches    map[antichain.Gid][]trace.HollowBatch
}

func (p *fakePersist) WriteBatch(_ context.Context, _ antichain.Uint64, writes map[antichain.Gid][]wire.Update, batches map[antichain.Gid][]trace.HollowBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastWrites = writes
	p.lastBatches = batches
	return nil
}

func newTestCoordinator(cat *fakeCatalog, bc *fakeBroadcaster, pw *fakePersist) *coordinator.Coordinator {
	reg := frontier.New(16)
	return coordinator.New(cat, reg, bc, pw, nil, nil, nil, nil, "epoch", 16)
}

func indexGid(id uint64) antichain.Gid  { return antichain.Gid{Kind: antichain.GidIndex, ID: id} }
func sourceGid(id uint64) antichain.Gid { return antichain.Gid{Kind: antichain.GidSource, ID: id} }
func tableGid(id uint64) antichain.Gid  { return antichain.Gid{Kind: antichain.GidTable, ID: id} }

func TestAdvanceTablesBroadcastsAndClosesUpTo(t *testing.T) {
	bc := &fakeBroadcaster{}
	pw := &fakePersist{}
	cat := &fakeCatalog{indexes: map[antichain.Gid][]antichain.Gid{}, persisted: map[antichain.Gid]bool{}}
	c := newTestCoordinator(cat, bc, pw)

	c.AdvanceTables(context.Background())

	require.Len(t, bc.cmds, 1)
	adv, ok := bc.cmds[0].(wire.AdvanceAllLocalInputs)
	require.True(t, ok)
	assert.EqualValues(t, 1, adv.AdvanceTo)

	// A second call advances again: AdvanceTables's own read_ts() call
	// leaves the oracle primed to bump write_ts on the next write.
	c.AdvanceTables(context.Background())
	require.Len(t, bc.cmds, 2)
	adv2, ok := bc.cmds[1].(wire.AdvanceAllLocalInputs)
	require.True(t, ok)
	assert.EqualValues(t, 2, adv2.AdvanceTo)
}

func TestDetermineTimestampAtTimestampBypassesClock(t *testing.T) {
	idx := indexGid(1)
	src := sourceGid(1)
	cat := &fakeCatalog{
		indexes: map[antichain.Gid][]antichain.Gid{src: {idx}},
	}
	reg := frontier.New(16)
	reg.Insert(idx, antichain.New(10), 0, 1)
	reg.Insert(src, antichain.New(10), 0, 1)
	c := coordinator.New(cat, reg, &fakeBroadcaster{}, &fakePersist{}, nil, nil, nil, nil, "epoch", 16)

	ts := antichain.Uint64(5)
	res, err := c.DetermineTimestamp(coordinator.TimestampRequest{
		Sources: []antichain.Gid{src},
		When:    coordinator.When{AtTimestamp: &ts},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.Timestamp)
	assert.Contains(t, res.IndexesUsed, idx)
}

func TestDetermineTimestampFailsOnUnmaterializedSource(t *testing.T) {
	src := sourceGid(9)
	cat := &fakeCatalog{unmaterialized: []antichain.Gid{src}}
	reg := frontier.New(16)
	c := coordinator.New(cat, reg, &fakeBroadcaster{}, &fakePersist{}, nil, nil, nil, nil, "epoch", 16)

	_, err := c.DetermineTimestamp(coordinator.TimestampRequest{Sources: []antichain.Gid{src}})
	require.Error(t, err)
	var want *coreerr.AutomaticTimestampFailure
	assert.ErrorAs(t, err, &want)
}

func TestTimeDomainViolationFailsSubsequentPeek(t *testing.T) {
	a := tableGid(1)
	b := tableGid(2)
	outside := tableGid(3)
	cat := &fakeCatalog{neighbors: map[antichain.Gid][]antichain.Gid{a: {b}}}
	reg := frontier.New(16)
	reg.Insert(a, antichain.New(1), 0, 1)
	reg.Insert(b, antichain.New(1), 0, 1)
	c := coordinator.New(cat, reg, &fakeBroadcaster{}, &fakePersist{}, nil, nil, nil, nil, "epoch", 16)

	conn := c.RegisterConn(1, 42)
	c.EstablishTimeDomain(conn, []antichain.Gid{a}, 1)

	assert.NoError(t, c.CheckTimeDomain(conn, []antichain.Gid{b}))

	err := c.CheckTimeDomain(conn, []antichain.Gid{outside})
	require.Error(t, err)
	var want *coreerr.RelationOutsideTimeDomain
	assert.ErrorAs(t, err, &want)
}

func TestWriteLockDeferralRunsOnceGranted(t *testing.T) {
	cat := &fakeCatalog{}
	c := newTestCoordinator(cat, &fakeBroadcaster{}, &fakePersist{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.True(t, c.TryAcquireWriteLock())
	assert.False(t, c.TryAcquireWriteLock())

	var mu sync.Mutex
	var ran bool
	resp := c.DeferWrite(7, func() {
		mu.Lock()
		ran = true
		mu.Unlock()
	})

	c.ReleaseWriteLock()
	err := <-resp
	assert.NoError(t, err)
	mu.Lock()
	assert.True(t, ran)
	mu.Unlock()
}

func TestCancelDeferredWriteClosesWithCanceled(t *testing.T) {
	c := newTestCoordinator(&fakeCatalog{}, &fakeBroadcaster{}, &fakePersist{})
	resp := c.DeferWrite(3, func() {})
	c.CancelDeferredWrite(3)
	err, ok := <-resp
	require.True(t, ok)
	assert.ErrorIs(t, err, coreerr.ErrCanceled)
}

func TestHandleCancelIgnoresWrongSecret(t *testing.T) {
	bc := &fakeBroadcaster{}
	c := newTestCoordinator(&fakeCatalog{}, bc, &fakePersist{})
	c.RegisterConn(1, 42)

	c.HandleCancel(1, 999)
	assert.Empty(t, bc.cmds)

	c.HandleCancel(1, 42)
	require.Len(t, bc.cmds, 1)
	_, ok := bc.cmds[0].(wire.CancelPeek)
	assert.True(t, ok)
}

func TestHandleCancelClosesPendingPeek(t *testing.T) {
	c := newTestCoordinator(&fakeCatalog{}, &fakeBroadcaster{}, &fakePersist{})
	c.RegisterConn(1, 42)
	resp := c.RegisterPeek(1)

	c.HandleCancel(1, 42)

	_, ok := <-resp
	assert.False(t, ok, "peek channel should be closed, not delivered a result")
}

func TestPeekResponseRoutesToRegisteredChannel(t *testing.T) {
	c := newTestCoordinator(&fakeCatalog{}, &fakeBroadcaster{}, &fakePersist{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	resp := c.RegisterPeek(5)
	c.SubmitFeedback(wire.PeekResponse{ConnID: 5, Response: wire.PeekResult{}})

	select {
	case _, ok := <-resp:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peek response")
	}
}

func TestTailResponseDropsOldestOnOverflow(t *testing.T) {
	sink := tableGid(9)
	c := newTestCoordinator(&fakeCatalog{}, &fakeBroadcaster{}, &fakePersist{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	tail := c.RegisterTail(sink)
	for i := 0; i < 300; i++ {
		c.SubmitFeedback(wire.TailResponse{SinkID: sink, Rows: [][]byte{[]byte{byte(i)}}})
	}

	var first wire.TailResponse
	require.Eventually(t, func() bool {
		select {
		case first = <-tail:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	// At least 300-16 responses were handled before the loop returned, more
	// than the 256-slot buffer holds, so row 0 must have been dropped.
	assert.NotEqual(t, [][]byte{{0}}, first.Rows)
}

func TestSinceProposalDrainsAdvancesAndBroadcastsAllowCompaction(t *testing.T) {
	bc := &fakeBroadcaster{}
	g := tableGid(20)
	reg := frontier.New(16)
	reg.Insert(g, antichain.New(0), 100, 1) // 100ms compaction window
	cat := &fakeCatalog{}
	c := coordinator.New(cat, reg, bc, &fakePersist{}, nil, nil, nil, nil, "epoch", 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.NoError(t, reg.UpdateUpper(g, []frontier.Change{{Time: 0, Delta: -1}, {Time: 250, Delta: 1}}))

	require.Eventually(t, func() bool {
		for _, cmd := range bc.seen() {
			if ac, ok := cmd.(wire.AllowCompaction); ok && len(ac.Frontiers) == 1 && ac.Frontiers[0].ID == g {
				min, ok := ac.Frontiers[0].Frontier.Min()
				return ok && min == 100
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestCommitFailsOnMixedPersistence(t *testing.T) {
	persisted := tableGid(1)
	volatile := tableGid(2)
	cat := &fakeCatalog{persisted: map[antichain.Gid]bool{persisted: true, volatile: false}}
	c := newTestCoordinator(cat, &fakeBroadcaster{}, &fakePersist{})

	_, err := c.Commit(context.Background(), "epoch", []coordinator.WriteOp{
		{Table: persisted},
		{Table: volatile},
	})
	require.Error(t, err)
}

func TestCommitThreadsStagedBatchesToPersistWriter(t *testing.T) {
	table := tableGid(30)
	cat := &fakeCatalog{persisted: map[antichain.Gid]bool{table: true}}
	pw := &fakePersist{}
	c := newTestCoordinator(cat, &fakeBroadcaster{}, pw)

	batches := []trace.HollowBatch{{Len: 7}}
	_, err := c.Commit(context.Background(), "epoch", []coordinator.WriteOp{
		{Table: table, Batches: batches},
	})
	require.NoError(t, err)

	require.Len(t, pw.lastBatches[table], 1)
	assert.Equal(t, batches, pw.lastBatches[table])
}

func TestCatalogTransactDispatchesDropEffects(t *testing.T) {
	bc := &fakeBroadcaster{}
	dropped := tableGid(5)
	cat := &fakeCatalog{
		transact: func(txn coordinator.CatalogTxn) (coordinator.DropEffects, error) {
			return coordinator.DropEffects{DroppedSources: []antichain.Gid{dropped}}, nil
		},
	}
	c := newTestCoordinator(cat, bc, &fakePersist{})

	_, err := c.CatalogTransact(coordinator.CatalogTxn{})
	require.NoError(t, err)
	require.Len(t, bc.cmds, 1)
	ds, ok := bc.cmds[0].(wire.DropSources)
	require.True(t, ok)
	assert.Equal(t, []antichain.Gid{dropped}, ds.IDs)
}

type fakeSlotDropper struct {
	mu    sync.Mutex
	drops []antichain.Gid
}

func (f *fakeSlotDropper) DropReplicationSlot(_ context.Context, gid antichain.Gid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops = append(f.drops, gid)
	return nil
}

func (f *fakeSlotDropper) seen() []antichain.Gid {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]antichain.Gid(nil), f.drops...)
}

func TestCatalogTransactDropsReplicationSlotsBestEffort(t *testing.T) {
	pgSource := sourceGid(11)
	cat := &fakeCatalog{
		transact: func(txn coordinator.CatalogTxn) (coordinator.DropEffects, error) {
			return coordinator.DropEffects{PostgresSourceDrops: []antichain.Gid{pgSource}}, nil
		},
	}
	reg := frontier.New(16)
	slots := &fakeSlotDropper{}
	c := coordinator.New(cat, reg, &fakeBroadcaster{}, &fakePersist{}, slots, nil, nil, nil, "epoch", 16)

	_, err := c.CatalogTransact(coordinator.CatalogTxn{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(slots.seen()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, pgSource, slots.seen()[0])
}
