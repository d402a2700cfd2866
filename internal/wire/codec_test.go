package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/statediff"
	"github.com/coredbio/core/internal/statediff/trace"
	"github.com/coredbio/core/internal/wire"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	diff := &statediff.Diff{
		ShardID:    "s1",
		SeqNoFrom:  3,
		SeqNoTo:    4,
		WalltimeMs: 500,
		Hostname:   &statediff.ScalarDiff[string]{From: "h0", To: "h1"},
		LastGCReq:  &statediff.ScalarDiff[uint64]{From: 1, To: 2},
		Writers: []statediff.StateFieldDiff[string, statediff.WriterState]{
			{Key: "w1", Type: statediff.DiffInsert, To: statediff.WriterState{LastHeartbeatMs: 9, MostRecentWriteToken: "tok-1"}},
		},
		Batches: []trace.HollowBatch{
			{
				Desc: trace.Description{
					Lower: antichain.New(antichain.MinTimestamp),
					Upper: antichain.New(100),
					Since: antichain.New(antichain.MinTimestamp),
				},
				Len:   20,
				Parts: []trace.RunPart{"part-a", "part-b"},
			},
		},
	}

	encoded, err := wire.Encode(diff)
	require.NoError(t, err)
	require.NoError(t, encoded.Validate())

	decoded, err := wire.Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, diff.ShardID, decoded.ShardID)
	assert.Equal(t, diff.SeqNoFrom, decoded.SeqNoFrom)
	assert.Equal(t, diff.SeqNoTo, decoded.SeqNoTo)
	require.NotNil(t, decoded.Hostname)
	assert.Equal(t, "h0", decoded.Hostname.From)
	assert.Equal(t, "h1", decoded.Hostname.To)
	require.NotNil(t, decoded.LastGCReq)
	assert.EqualValues(t, 2, decoded.LastGCReq.To)
	require.Len(t, decoded.Writers, 1)
	assert.Equal(t, "w1", decoded.Writers[0].Key)
	assert.Equal(t, statediff.DiffInsert, decoded.Writers[0].Type)
	assert.Equal(t, "tok-1", decoded.Writers[0].To.MostRecentWriteToken)
	require.Len(t, decoded.Batches, 1)
	assert.EqualValues(t, 20, decoded.Batches[0].Len)
	assert.Equal(t, []trace.RunPart{"part-a", "part-b"}, decoded.Batches[0].Parts)
	min, ok := decoded.Batches[0].Desc.Upper.Min()
	require.True(t, ok)
	assert.Equal(t, antichain.Uint64(100), min)
}

func TestValidateRejectsMismatchedLengths(t *testing.T) {
	bad := wire.EncodedDiff{
		FieldTags: []int32{0, 1},
		DiffTags:  []int32{0},
		DataLens:  []uint64{0},
	}
	assert.Error(t, bad.Validate())
}
