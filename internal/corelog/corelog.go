// Package corelog wraps joeycumines/logiface (backed by
// joeycumines/logiface-slog) with the structured fields every core
// component logs against: shard_id, seqno, conn_id, gid, timeline.
//
// Grounded on sql/export/export.go's use of *logiface.Logger[logiface.Event]
// as a plain struct field threaded through call chains, and on
// logiface-slog/logger.go's NewLogger(handler, opts...) constructor shape.
package corelog

import (
	"log/slog"

	"github.com/joeycumines/logiface"
	logifaceslog "github.com/joeycumines/logiface-slog"
)

// Logger is the facade every core component logs through.
type Logger = logiface.Logger[*logifaceslog.Event]

// Builder is the in-flight event every With* helper decorates, returned
// from Logger.Debug()/Info()/Warning()/Err().
type Builder = logiface.Builder[*logifaceslog.Event]

// New builds a Logger backed by an slog.Handler at the given minimum level.
func New(handler slog.Handler, level logiface.Level) *Logger {
	return logiface.New[*logifaceslog.Event](logifaceslog.NewLogger(handler, logifaceslog.WithLevel(level)))
}

// WithShard attaches shard_id to an in-flight log event builder.
func WithShard(b *Builder, shardID string) *Builder { return b.Str("shard_id", shardID) }

// WithSeqNo attaches seqno to an in-flight log event builder.
func WithSeqNo(b *Builder, seqNo uint64) *Builder { return b.Uint64("seqno", seqNo) }

// WithConnID attaches conn_id to an in-flight log event builder.
func WithConnID(b *Builder, connID uint32) *Builder { return b.Uint64("conn_id", uint64(connID)) }

// WithGid attaches gid to an in-flight log event builder.
func WithGid(b *Builder, gid string) *Builder { return b.Str("gid", gid) }

// WithTimeline attaches timeline to an in-flight log event builder.
func WithTimeline(b *Builder, timeline string) *Builder { return b.Str("timeline", timeline) }
