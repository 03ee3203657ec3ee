// Package catalog defines the persistence contract for normalized
// market data: append for durability, range reads for historical
// playback. The engine writes through asynchronously and serves
// RequestHistorical from a reader when no live client can.
package catalog

import (
	"context"
	"io"
	"time"

	"github.com/quantfabric/datacore/internal/model"
)

// Record is one persisted normalized event. Payload holds the typed
// event (model.QuoteTick, model.TradeTick, model.OrderBookDelta, or
// model.Bar) matching DataType.
type Record struct {
	InstrumentID model.InstrumentID `json:"instrument_id"`
	DataType     model.DataType     `json:"data_type"`
	Ts           time.Time          `json:"ts"`
	Sequence     uint64             `json:"sequence"`
	Payload      any                `json:"payload"`
}

// Sequence is a lazy, finite iterator over records. Next returns
// io.EOF when exhausted. Sequences are not restartable themselves;
// restart by issuing the range read again.
type Sequence interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Appender persists records.
type Appender interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// Reader serves lazy range reads, start inclusive, end exclusive.
type Reader interface {
	ReadRange(ctx context.Context, id model.InstrumentID, dt model.DataType, start, end time.Time) (Sequence, error)
}

// Catalog combines durability and playback.
type Catalog interface {
	Appender
	Reader
}

// sliceSequence iterates an in-memory record slice.
type sliceSequence struct {
	records []Record
	pos     int
}

// NewSliceSequence wraps records in a Sequence.
func NewSliceSequence(records []Record) Sequence {
	return &sliceSequence{records: records}
}

func (s *sliceSequence) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if s.pos >= len(s.records) {
		return Record{}, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *sliceSequence) Close() error { return nil }
