package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfabric/datacore/internal/catalog"
	"github.com/quantfabric/datacore/internal/model"
	"github.com/quantfabric/datacore/pkg/errs"
)

// HistoricalRequest asks for a bounded range of past data, start
// inclusive, end exclusive. A zero Timeout uses the engine default.
type HistoricalRequest struct {
	InstrumentID model.InstrumentID
	DataType     model.DataType
	Start        time.Time
	End          time.Time
	Timeout      time.Duration
}

func (r HistoricalRequest) validate() error {
	if r.DataType == 0 {
		return fmt.Errorf("engine: historical request needs a data type: %w", errs.ErrSubscription)
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("engine: historical range [%s, %s) is empty: %w", r.Start, r.End, errs.ErrSubscription)
	}
	return nil
}

// DataStream is a lazy, restartable cursor over a historical range.
// Records arrive in event-time order. Next returns io.EOF when the range
// is exhausted and a TimeoutError once the request deadline passes;
// Restart rewinds to the beginning of the range against the same source.
type DataStream struct {
	req      HistoricalRequest
	open     func(ctx context.Context) (catalog.Sequence, error)
	seq      catalog.Sequence
	deadline time.Time
	timeout  time.Duration
	closed   bool
}

// Next returns the next record in the range.
func (s *DataStream) Next(ctx context.Context) (catalog.Record, error) {
	if s.closed {
		return catalog.Record{}, fmt.Errorf("engine: stream %s: %w", s.req.InstrumentID, errs.ErrClosed)
	}
	if time.Now().After(s.deadline) {
		return catalog.Record{}, &errs.TimeoutError{
			Op:      fmt.Sprintf("historical %s %s", s.req.DataType, s.req.InstrumentID),
			Timeout: s.timeout,
		}
	}
	return s.seq.Next(ctx)
}

// Restart rewinds the stream to the start of the requested range. The
// deadline is not extended.
func (s *DataStream) Restart(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("engine: stream %s: %w", s.req.InstrumentID, errs.ErrClosed)
	}
	seq, err := s.open(ctx)
	if err != nil {
		return err
	}
	_ = s.seq.Close()
	s.seq = seq
	return nil
}

// Close releases the stream. Closing twice is a no-op.
func (s *DataStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.seq.Close()
}

// RequestHistorical opens a historical range stream. The owning venue
// client serves it when it can; otherwise the request falls through to
// the catalog reader. No source at all is ErrNotSupported.
func (e *DataEngine) RequestHistorical(ctx context.Context, req HistoricalRequest) (*DataStream, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultRequestTimeout
	}

	open := e.historicalSource(req)
	if open == nil {
		return nil, fmt.Errorf("engine: no historical source for %s %s: %w",
			req.DataType, req.InstrumentID, errs.ErrNotSupported)
	}

	started := time.Now()
	seq, err := open(ctx)
	e.metrics.RequestDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}
	return &DataStream{
		req:      req,
		open:     open,
		seq:      seq,
		deadline: time.Now().Add(timeout),
		timeout:  timeout,
	}, nil
}

func (e *DataEngine) historicalSource(req HistoricalRequest) func(ctx context.Context) (catalog.Sequence, error) {
	e.mu.RLock()
	var provider HistoricalProvider
	if clientID, ok := e.venues[req.InstrumentID.Venue]; ok {
		provider, _ = e.handles[clientID].client.(HistoricalProvider)
	}
	e.mu.RUnlock()

	if provider != nil {
		return func(ctx context.Context) (catalog.Sequence, error) {
			return provider.RequestHistorical(ctx, req.InstrumentID, req.DataType, req.Start, req.End)
		}
	}
	if e.reader != nil {
		return func(ctx context.Context) (catalog.Sequence, error) {
			return e.reader.ReadRange(ctx, req.InstrumentID, req.DataType, req.Start, req.End)
		}
	}
	return nil
}
