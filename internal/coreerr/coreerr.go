// Package coreerr defines the error taxonomy observable by external
// callers of the coordinator (spec.md §7): a mix of sentinel errors for
// conditions with no payload and typed structs (wrapped via %w) for
// conditions that carry context the caller needs to render a useful
// message.
//
// Grounded on the logiface-* backends' approach to structured, typed
// errors (each backend wraps failures in a concrete type rather than
// fmt.Errorf strings) and on sql/export's terse lower-case error messages
// (`nil exporter`, `query error: %w`).
package coreerr

import (
	"errors"
	"fmt"
)

// Sentinel errors: conditions with no useful payload beyond their kind.
// Callers compare with errors.Is.
var (
	ErrCanceled                    = errors.New("coreerr: canceled")
	ErrChangedPlan                 = errors.New("coreerr: changed plan")
	ErrInvalidTableMutationSelection = errors.New("coreerr: invalid table mutation selection")
	ErrInvalidAlterOnDisabledIndex = errors.New("coreerr: invalid alter on disabled index")
	ErrOperationRequiresTransaction = errors.New("coreerr: operation requires transaction")
	ErrOperationProhibitsTransaction = errors.New("coreerr: operation prohibits transaction")
	ErrPreparedStatementExists     = errors.New("coreerr: prepared statement exists")
	ErrUnknownPreparedStatement    = errors.New("coreerr: unknown prepared statement")
	ErrUnknownCursor               = errors.New("coreerr: unknown cursor")
	ErrUnknownLoginRole            = errors.New("coreerr: unknown login role")

	// Persist-engine errors.
	ErrInvalidRange         = errors.New("coreerr: invalid range")
	ErrMaxArraySizeExceeded = errors.New("coreerr: max array size exceeded")
	ErrLengthTooLarge       = errors.New("coreerr: length too large")
	ErrTimestampOutOfRange  = errors.New("coreerr: timestamp out of range")
	ErrDateBinOutOfRange    = errors.New("coreerr: date_bin out of range")
)

// ObjectKind identifies the kind of catalogue object a ConcurrentDependencyDrop
// or other id-carrying error refers to.
type ObjectKind string

const (
	ObjectSource ObjectKind = "source"
	ObjectIndex  ObjectKind = "index"
	ObjectSink   ObjectKind = "sink"
	ObjectTable  ObjectKind = "table"
	ObjectView   ObjectKind = "view"
)

// ConcurrentDependencyDrop reports that the object a plan referenced was
// dropped underneath it between planning and execution.
type ConcurrentDependencyDrop struct {
	Kind ObjectKind
	ID   string
}

func (e *ConcurrentDependencyDrop) Error() string {
	return fmt.Sprintf("coreerr: %s %q was concurrently dropped", e.Kind, e.ID)
}

// NotNullViolation reports that a COPY or INSERT would place NULL into a
// NOT NULL column.
type NotNullViolation struct {
	Column string
}

func (e *NotNullViolation) Error() string {
	return fmt.Sprintf("coreerr: null value in column %q violates not-null constraint", e.Column)
}

// ConstraintViolation wraps a specific constraint failure (currently only
// NotNullViolation, mirroring spec.md §7's enumerated variant).
type ConstraintViolation struct {
	Cause error
}

func (e *ConstraintViolation) Error() string { return fmt.Sprintf("coreerr: constraint violation: %s", e.Cause) }
func (e *ConstraintViolation) Unwrap() error { return e.Cause }

// Unsupported reports a feature that is recognized but not implemented.
type Unsupported struct {
	Feature      string
	DiscussionNo int
}

func (e *Unsupported) Error() string {
	if e.DiscussionNo != 0 {
		return fmt.Sprintf("coreerr: %s is not supported (see discussion #%d)", e.Feature, e.DiscussionNo)
	}
	return fmt.Sprintf("coreerr: %s is not supported", e.Feature)
}

// Unstructured wraps a general programming/protocol error with a message,
// for conditions that don't warrant their own type.
type Unstructured struct {
	Msg string
}

func (e *Unstructured) Error() string { return fmt.Sprintf("coreerr: %s", e.Msg) }

// IncompleteTimestamp reports that the timestamp-determination procedure
// could not find a safe read time because the listed indexes have not
// materialized any data yet.
type IncompleteTimestamp struct {
	IDs []string
}

func (e *IncompleteTimestamp) Error() string {
	return fmt.Sprintf("coreerr: incomplete timestamp: indexes not yet available: %v", e.IDs)
}

// AutomaticTimestampFailure reports that an Immediately peek could not
// determine a timestamp due to unmaterialized sources or disabled indexes.
type AutomaticTimestampFailure struct {
	Unmaterialized  []string
	DisabledIndexes []string
}

func (e *AutomaticTimestampFailure) Error() string {
	return fmt.Sprintf("coreerr: automatic timestamp failure: unmaterialized=%v disabled_indexes=%v", e.Unmaterialized, e.DisabledIndexes)
}

// RelationOutsideTimeDomain reports that a transaction touched an object
// outside the time domain fixed by its first peek.
type RelationOutsideTimeDomain struct {
	Relations []string
	Names     []string
}

func (e *RelationOutsideTimeDomain) Error() string {
	return fmt.Sprintf("coreerr: relations outside time domain: %v", e.Names)
}

// GapError reports a state-diff apply that found a gap between the diff's
// seqno_from and the state's current seqno.
type GapError struct {
	StateSeqNo  uint64
	DiffSeqFrom uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("coreerr: state-diff gap: state at seqno %d, diff expects seqno %d", e.StateSeqNo, e.DiffSeqFrom)
}

// ErrOverlappingBatchNonEmpty is the literal error text preserved from the
// legacy lenient-compaction path (spec.md §4.3.2, §8(e)).
var ErrOverlappingBatchNonEmpty = errors.New("overlapping batch was unexpectedly non-empty")
