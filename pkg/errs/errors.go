// Package errs defines the error kinds shared across the data engine.
//
// Transient data-quality faults (sequence gaps, invalid deltas, crossed
// books) are represented as sentinel errors so callers can classify them
// with errors.Is and resolve them via resync. Lifecycle-contract
// violations are not errors at all: they panic, because they indicate a
// defect rather than a runtime condition.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnection indicates a venue client I/O failure or disconnect.
	ErrConnection = errors.New("connection error")

	// ErrSequenceGap indicates a gap in a per-stream monotonic sequence.
	ErrSequenceGap = errors.New("sequence gap")

	// ErrInvalidDelta indicates an Update/Delete referencing an unknown
	// price level or order id.
	ErrInvalidDelta = errors.New("invalid delta")

	// ErrCrossedBook indicates best bid >= best ask after an apply.
	ErrCrossedBook = errors.New("crossed book")

	// ErrSubscription indicates a command referencing an unknown
	// instrument or an unsupported data type.
	ErrSubscription = errors.New("subscription error")

	// ErrTimeout indicates a historical request exceeded its deadline.
	ErrTimeout = errors.New("request timeout")

	// ErrNotSupported indicates an operation the target component does
	// not implement (e.g. range reads on an append-only catalog).
	ErrNotSupported = errors.New("operation not supported")

	// ErrClosed indicates an operation on an already-closed component
	// where closing is a normal runtime condition (streams, catalogs).
	ErrClosed = errors.New("closed")
)

// SequenceGapError carries the observed gap bounds for diagnostics.
type SequenceGapError struct {
	Stream   string
	Expected uint64
	Got      uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap on %s: expected %d, got %d", e.Stream, e.Expected, e.Got)
}

// Unwrap makes errors.Is(err, ErrSequenceGap) hold.
func (e *SequenceGapError) Unwrap() error { return ErrSequenceGap }

// CrossedBookError carries the crossing top-of-book for diagnostics.
type CrossedBookError struct {
	Instrument string
	BestBid    string
	BestAsk    string
}

func (e *CrossedBookError) Error() string {
	return fmt.Sprintf("crossed book on %s: bid %s >= ask %s", e.Instrument, e.BestBid, e.BestAsk)
}

func (e *CrossedBookError) Unwrap() error { return ErrCrossedBook }

// TimeoutError carries the deadline that was exceeded.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
