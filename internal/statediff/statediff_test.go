package statediff_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/coreerr"
	"github.com/coredbio/core/internal/statediff"
	"github.com/coredbio/core/internal/statediff/trace"
)

func TestFromDiffAndApplyDiffRoundtrip(t *testing.T) {
	a := statediff.NewState("s1", false)
	a.Hostname = "host-a"
	a.SeqNo = 5

	b := statediff.NewState("s1", false)
	b.Hostname = "host-b"
	b.SeqNo = 6
	b.WalltimeMs = 1000
	b.Writers["w1"] = statediff.WriterState{LastHeartbeatMs: 10, MostRecentWriteToken: "tok"}
	require.NoError(t, b.Trace.Push(trace.HollowBatch{
		Desc: trace.Description{
			Lower: antichain.New(antichain.MinTimestamp),
			Upper: antichain.New(10),
			Since: antichain.New(antichain.MinTimestamp),
		},
		Len: 3,
	}))

	diff := statediff.FromDiff(a, b)
	assert.Equal(t, uint64(5), diff.SeqNoFrom)
	assert.Equal(t, uint64(6), diff.SeqNoTo)
	require.NotNil(t, diff.Hostname)
	assert.Equal(t, "host-a", diff.Hostname.From)
	assert.Equal(t, "host-b", diff.Hostname.To)
	require.Len(t, diff.Writers, 1)
	assert.Equal(t, statediff.DiffInsert, diff.Writers[0].Type)
	require.Len(t, diff.Batches, 1)

	warnings, err := statediff.ApplyDiff(a, diff)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, uint64(6), a.SeqNo)
	assert.Equal(t, "host-b", a.Hostname)
	min, ok := a.Trace.Upper().Min()
	require.True(t, ok)
	assert.Equal(t, antichain.Uint64(10), min)
}

func TestApplyDiffIsIdempotentBySeqNo(t *testing.T) {
	state := statediff.NewState("s1", false)
	state.SeqNo = 10
	diff := &statediff.Diff{ShardID: "s1", SeqNoFrom: 8, SeqNoTo: 9}
	warnings, err := statediff.ApplyDiff(state, diff)
	require.NoError(t, err)
	assert.Nil(t, warnings)
	assert.Equal(t, uint64(10), state.SeqNo) // unchanged
}

func TestApplyDiffRejectsGap(t *testing.T) {
	state := statediff.NewState("s1", false)
	state.SeqNo = 5
	diff := &statediff.Diff{ShardID: "s1", SeqNoFrom: 7, SeqNoTo: 8}
	_, err := statediff.ApplyDiff(state, diff)
	require.Error(t, err)
	var gapErr *coreerr.GapError
	require.ErrorAs(t, err, &gapErr)
	assert.Equal(t, uint64(5), gapErr.StateSeqNo)
	assert.Equal(t, uint64(7), gapErr.DiffSeqFrom)
}

func TestApplyDiffHostnamePermissive(t *testing.T) {
	state := statediff.NewState("s1", false)
	state.SeqNo = 1
	state.Hostname = "old-host"
	diff := &statediff.Diff{
		ShardID:   "s1",
		SeqNoFrom: 1,
		SeqNoTo:   2,
		Hostname:  &statediff.ScalarDiff[string]{From: "different-host", To: "new-host"},
	}
	warnings, err := statediff.ApplyDiff(state, diff)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "new-host", state.Hostname)
}

func TestApplyFieldDiffsRejectsDoubleInsert(t *testing.T) {
	state := statediff.NewState("s1", false)
	state.SeqNo = 1
	state.Writers["w1"] = statediff.WriterState{LastHeartbeatMs: 1}
	diff := &statediff.Diff{
		ShardID:   "s1",
		SeqNoFrom: 1,
		SeqNoTo:   2,
		Writers: []statediff.StateFieldDiff[string, statediff.WriterState]{
			{Key: "w1", Type: statediff.DiffInsert, To: statediff.WriterState{LastHeartbeatMs: 2}},
		},
	}
	_, err := statediff.ApplyDiff(state, diff)
	assert.Error(t, err)
}
