// Package wire defines the two typed channels that cross the Coordinator /
// dataflow-worker boundary (the dataflow command wire and the dataflow
// feedback wire), plus the column-oriented codec for the durable
// state-diff wire format described in spec.md §6.
//
// Grounded on grpc-proxy's frame/codec split (a tagged union of message
// kinds moving one direction, decoded by a type switch) for the
// command/feedback shape, generalized from gRPC frames to plain Go
// interfaces since this wire never leaves the process (workers are
// goroutines, not a separate service).
package wire

import (
	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/frontier"
)

// Command is a message sent from the Coordinator to every dataflow worker.
// Workers receive every command broadcast to them; each implementation
// picks the ones relevant to its own operators.
type Command interface {
	commandKind() string
}

type (
	CreateDataflows struct {
		Dataflows []DataflowDescription
	}

	DropSources struct {
		IDs []antichain.Gid
	}

	DropSinks struct {
		IDs []antichain.Gid
	}

	DropIndexes struct {
		IDs []antichain.Gid
	}

	Insert struct {
		ID      antichain.Gid
		Updates []Update
	}

	AllowCompaction struct {
		Frontiers []GidFrontier
	}

	Peek struct {
		ID                antichain.Gid
		Key               []byte
		ConnID            uint32
		Timestamp         antichain.Uint64
		Finishing         RowSetFinishing
		MapFilterProject  []byte
	}

	CancelPeek struct {
		ConnID uint32
	}

	AdvanceAllLocalInputs struct {
		AdvanceTo antichain.Uint64
	}

	AdvanceSourceTimestamp struct {
		ID     antichain.Gid
		Update TimestampUpdate
	}

	AddSourceTimestamping struct {
		ID        antichain.Gid
		Connector string
		Bindings  []TimestampBinding
	}

	DropSourceTimestamping struct {
		ID antichain.Gid
	}

	DurabilityFrontierUpdates struct {
		Updates []GidFrontier
	}

	EnableLogging struct {
		Config LoggingConfig
	}

	Shutdown struct{}
)

func (CreateDataflows) commandKind() string           { return "CreateDataflows" }
func (DropSources) commandKind() string                { return "DropSources" }
func (DropSinks) commandKind() string                  { return "DropSinks" }
func (DropIndexes) commandKind() string                { return "DropIndexes" }
func (Insert) commandKind() string                     { return "Insert" }
func (AllowCompaction) commandKind() string            { return "AllowCompaction" }
func (Peek) commandKind() string                       { return "Peek" }
func (CancelPeek) commandKind() string                 { return "CancelPeek" }
func (AdvanceAllLocalInputs) commandKind() string      { return "AdvanceAllLocalInputs" }
func (AdvanceSourceTimestamp) commandKind() string     { return "AdvanceSourceTimestamp" }
func (AddSourceTimestamping) commandKind() string      { return "AddSourceTimestamping" }
func (DropSourceTimestamping) commandKind() string     { return "DropSourceTimestamping" }
func (DurabilityFrontierUpdates) commandKind() string  { return "DurabilityFrontierUpdates" }
func (EnableLogging) commandKind() string              { return "EnableLogging" }
func (Shutdown) commandKind() string                   { return "Shutdown" }

// Feedback is a message sent from a dataflow worker back to the
// Coordinator's mailbox.
type Feedback interface {
	feedbackKind() string
}

type (
	PeekResponse struct {
		ConnID   uint32
		Response PeekResult
	}

	TailResponse struct {
		SinkID   antichain.Gid
		Variant  TailVariant
		Rows     [][]byte
	}

	FrontierUppers struct {
		Changes []GidChangeBatch
	}

	TimestampBindings struct {
		Bindings []TimestampBinding
		Changes  []GidChangeBatch
	}
)

func (PeekResponse) feedbackKind() string       { return "PeekResponse" }
func (TailResponse) feedbackKind() string       { return "TailResponse" }
func (FrontierUppers) feedbackKind() string     { return "FrontierUppers" }
func (TimestampBindings) feedbackKind() string  { return "TimestampBindings" }

// TailVariant enumerates the three shapes a TailResponse may take.
type TailVariant uint8

const (
	TailRows TailVariant = iota
	TailComplete
	TailDropped
)

// PeekResult is the outcome of a single Peek: either rows or an error.
type PeekResult struct {
	Rows []byte
	Err  string
}

// DataflowDescription is an opaque, fully-planned dataflow graph handed to
// workers verbatim; its internal shape (operators, sources, sinks) belongs
// to the planner, not the wire layer.
type DataflowDescription struct {
	ID   antichain.Gid
	Plan []byte
}

// Update is one row-level change: a row, its multiplicity (diff), at a
// timestamp.
type Update struct {
	Row  []byte
	Time antichain.Uint64
	Diff int64
}

// GidFrontier pairs a Gid with a frontier antichain, used both for
// AllowCompaction requests and durability-frontier broadcasts.
type GidFrontier struct {
	ID       antichain.Gid
	Frontier antichain.Antichain
}

// GidChangeBatch pairs a Gid with the upper-change batch a worker observed,
// ready to hand to frontier.Registry.UpdateUpper.
type GidChangeBatch struct {
	ID      antichain.Gid
	Changes []frontier.Change
}

// RowSetFinishing carries the post-processing (order by, limit, offset,
// project) applied to a peek's result set.
type RowSetFinishing struct {
	OrderBy []int32
	Limit   int64
	Offset  int64
	Project []int32
}

// TimestampUpdate and TimestampBinding carry source-timestamping state for
// sources whose offsets must be bound to a logical timestamp.
type TimestampUpdate struct {
	PartitionCount int32
	Time           antichain.Uint64
}

type TimestampBinding struct {
	Partition int32
	Offset    int64
	Time      antichain.Uint64
}

// LoggingConfig toggles the dataflow workers' internal introspection logs.
type LoggingConfig struct {
	Enabled        bool
	GranularityMs  uint64
}
