package corelog_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"

	"github.com/coredbio/core/internal/corelog"
)

func TestWithHelpersAttachFields(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := corelog.New(handler, logiface.LevelDebug)

	b := logger.Info()
	b = corelog.WithShard(b, "s1")
	b = corelog.WithSeqNo(b, 42)
	b = corelog.WithConnID(b, 7)
	b = corelog.WithGid(b, "t-1")
	b = corelog.WithTimeline(b, "EpochMilliseconds")
	b.Log("advanced tables")

	out := buf.String()
	assert.Contains(t, out, `"shard_id":"s1"`)
	assert.Contains(t, out, `"seqno":42`)
	assert.Contains(t, out, `"gid":"t-1"`)
}
