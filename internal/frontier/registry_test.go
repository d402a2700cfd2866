package frontier_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/frontier"
)

func gid(id uint64) antichain.Gid { return antichain.Gid{Kind: antichain.GidTable, ID: id} }

func TestUpdateUpperMonotone(t *testing.T) {
	r := frontier.New(0)
	g := gid(1)
	r.Insert(g, antichain.New(0), 0, 2)

	require.NoError(t, r.UpdateUpper(g, []frontier.Change{{Time: 0, Delta: -1}, {Time: 5, Delta: 1}}))
	f, ok := r.Get(g)
	require.True(t, ok)
	min, ok := f.Upper.Min()
	require.True(t, ok)
	assert.Equal(t, antichain.Uint64(5), min)
	assert.True(t, f.IsOpen(5))
	assert.False(t, f.IsOpen(0))
}

func TestUpdateUpperRejectsRegression(t *testing.T) {
	r := frontier.New(0)
	g := gid(2)
	r.Insert(g, antichain.New(10), 0, 1)
	// a change that would move upper backwards (closing 10 without opening
	// anything >= 10) must be rejected.
	err := r.UpdateUpper(g, []frontier.Change{{Time: 10, Delta: -1}, {Time: 3, Delta: 1}})
	assert.Error(t, err)
}

func TestUpdateUpperRejectsOvercount(t *testing.T) {
	r := frontier.New(0)
	g := gid(3)
	r.Insert(g, antichain.New(0), 0, 1) // worker count 1
	err := r.UpdateUpper(g, []frontier.Change{{Time: 0, Delta: -1}, {Time: 1, Delta: 2}})
	assert.Error(t, err)
}

func TestCapabilityTokenBlocksSinceAdvancement(t *testing.T) {
	r := frontier.New(0)
	g := gid(4)
	r.Insert(g, antichain.New(0), 0, 1)

	tok, err := r.AcquireToken(g)
	require.NoError(t, err)

	proposed := antichain.New(100)
	since, err := r.AdvanceSince(g, proposed)
	require.NoError(t, err)
	// token was acquired while since was at MinTimestamp, so it pins the
	// advancement there.
	min, ok := since.Min()
	require.True(t, ok)
	assert.Equal(t, antichain.MinTimestamp, min)

	r.ReleaseToken(tok)
	since, err = r.AdvanceSince(g, proposed)
	require.NoError(t, err)
	min, ok = since.Min()
	require.True(t, ok)
	assert.Equal(t, antichain.Uint64(100), min)
}

func TestLeastValidSinceAndGreatestOpenUpper(t *testing.T) {
	r := frontier.New(0)
	a, b := gid(5), gid(6)
	r.Insert(a, antichain.New(20), 0, 1)
	r.Insert(b, antichain.New(10), 0, 1)

	upper := r.GreatestOpenUpper(a, b)
	min, ok := upper.Min()
	require.True(t, ok)
	assert.Equal(t, antichain.Uint64(10), min, "greatest open upper is bounded by the slowest contributor")

	_, _ = r.AdvanceSince(a, antichain.New(5))
	_, _ = r.AdvanceSince(b, antichain.New(3))
	since := r.LeastValidSince(a, b)
	min, ok = since.Min()
	require.True(t, ok)
	assert.Equal(t, antichain.Uint64(5), min, "least valid since must be safe for every dependency, i.e. the max of the individual sinces")
}

func TestDuplicateInsertPanics(t *testing.T) {
	r := frontier.New(0)
	g := gid(7)
	r.Insert(g, antichain.New(0), 0, 1)
	assert.Panics(t, func() { r.Insert(g, antichain.New(0), 0, 1) })
}

func TestUpdateUpperProposesSinceAndEmitsProposal(t *testing.T) {
	r := frontier.New(1)
	g := gid(8)
	r.Insert(g, antichain.New(0), 100, 1) // 100ms compaction window

	require.NoError(t, r.UpdateUpper(g, []frontier.Change{{Time: 0, Delta: -1}, {Time: 250, Delta: 1}}))

	select {
	case proposed := <-r.Proposals():
		assert.Equal(t, g, proposed)
	default:
		t.Fatal("expected a since proposal to be enqueued")
	}

	since, ok := r.PendingSince(g)
	require.True(t, ok)
	min, ok := since.Min()
	require.True(t, ok)
	assert.Equal(t, antichain.Uint64(100), min, "floor((250-100)/100)*100")
}

func TestPendingSinceFalseWithoutCompactionWindow(t *testing.T) {
	r := frontier.New(0)
	g := gid(9)
	r.Insert(g, antichain.New(0), 0, 1)
	_, ok := r.PendingSince(g)
	assert.False(t, ok)
}
