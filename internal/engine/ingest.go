package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/datacore/internal/book"
	"github.com/quantfabric/datacore/internal/catalog"
	"github.com/quantfabric/datacore/internal/clock"
	"github.com/quantfabric/datacore/internal/model"
	"github.com/quantfabric/datacore/pkg/errs"
)

// process routes one intake message. Runs on the loop goroutine only.
func (e *DataEngine) process(h *clientHandle, msg any) {
	// With a manually advanced clock (replay), drive it to the message's
	// event time first so interval timers fire exactly where they would
	// have fired live.
	if tick, ok := msg.(model.Tick); ok {
		e.advanceClock(tick.TsEvent())
	}

	switch m := msg.(type) {
	case clientStatus:
		e.handleClientStatus(h, m)
	case model.Instrument:
		e.handleInstrument(m)
	case model.QuoteTick:
		if h.degraded {
			return
		}
		e.handleQuote(m)
	case model.TradeTick:
		if h.degraded {
			return
		}
		e.handleTrade(m)
	case model.OrderBookDelta:
		if h.degraded {
			return
		}
		e.handleDelta(m)
	default:
		e.logger.Warn("unroutable intake message",
			zap.String("client_id", h.intake.clientID),
			zap.Any("message", msg),
		)
	}
}

// advanceClock moves a test clock to the given time and replays any due
// timer events, preserving the live ordering of timers versus ticks.
func (e *DataEngine) advanceClock(to time.Time) {
	tc, ok := e.clk.(*clock.TestClock)
	if !ok {
		return
	}
	if to.Before(tc.Now()) {
		return
	}
	for _, ev := range tc.AdvanceTime(to) {
		e.handleTime(ev)
	}
}

func (e *DataEngine) handleClientStatus(h *clientHandle, status clientStatus) {
	h.degraded = !status.connected
	venue := h.client.Venue()
	if status.connected {
		e.logger.Info("client restored",
			zap.String("client_id", status.clientID),
			zap.String("venue", string(venue)),
		)
		e.mbus.Publish("events.client."+status.clientID, model.ClientRestored{
			ClientID:  status.clientID,
			Venue:     venue,
			EventTime: status.at,
		})
		// The reconnecting client re-emits authoritative snapshots; any
		// book it owns is stale until the fresh Clear lands.
		for id, b := range e.books {
			if id.Venue == venue && b.State() == book.StateSynchronized {
				e.requestResync(id, "client reconnected")
			}
		}
		return
	}

	e.logger.Warn("client degraded",
		zap.String("client_id", status.clientID),
		zap.String("venue", string(venue)),
	)
	e.mbus.Publish("events.client."+status.clientID, model.ClientDegraded{
		ClientID:  status.clientID,
		Venue:     venue,
		EventTime: status.at,
	})
}

func (e *DataEngine) handleInstrument(inst model.Instrument) {
	e.cache.AddInstrument(inst)
	e.mbus.Publish(model.Topic(model.DataInstrument, inst.ID), inst)
}

// dropStale applies the per-stream dedup: sequence numbers at or below
// the last seen are duplicates or stale and never re-applied.
func (e *DataEngine) dropStale(key streamKey, seq uint64) bool {
	if seq == 0 {
		return false // unsequenced stream
	}
	if last, ok := e.lastSeq[key]; ok && seq <= last {
		e.metrics.DroppedDuplicates.WithLabelValues(string(key.id.Venue)).Inc()
		return true
	}
	e.lastSeq[key] = seq
	return false
}

func (e *DataEngine) handleQuote(q model.QuoteTick) {
	if e.dropStale(streamKey{id: q.InstrumentID, dt: model.DataQuote}, q.Sequence) {
		return
	}
	for _, entry := range e.aggs {
		if entry.agg.BarType().InstrumentID == q.InstrumentID {
			entry.agg.OnQuote(q)
		}
	}
	e.mbus.Publish(model.Topic(model.DataQuote, q.InstrumentID), q)
	e.cache.UpdateQuote(q)
	e.append(catalog.Record{
		InstrumentID: q.InstrumentID,
		DataType:     model.DataQuote,
		Ts:           q.EventTime,
		Sequence:     q.Sequence,
		Payload:      q,
	})
}

func (e *DataEngine) handleTrade(t model.TradeTick) {
	if e.dropStale(streamKey{id: t.InstrumentID, dt: model.DataTrade}, t.Sequence) {
		return
	}
	for _, entry := range e.aggs {
		if entry.agg.BarType().InstrumentID == t.InstrumentID {
			entry.agg.OnTrade(t)
		}
	}
	e.mbus.Publish(model.Topic(model.DataTrade, t.InstrumentID), t)
	e.cache.UpdateTrade(t)
	e.append(catalog.Record{
		InstrumentID: t.InstrumentID,
		DataType:     model.DataTrade,
		Ts:           t.EventTime,
		Sequence:     t.Sequence,
		Payload:      t,
	})
}

func (e *DataEngine) handleDelta(d model.OrderBookDelta) {
	b := e.bookFor(d.InstrumentID)
	venue := string(d.InstrumentID.Venue)

	if d.Action == model.ActionClear {
		// A fresh snapshot is authoritative: reset stream dedup, clear
		// any pending resync, and rebuild the cached view from scratch.
		e.lastSeq[streamKey{id: d.InstrumentID, dt: model.DataDelta}] = d.Sequence
		delete(e.resyncs, d.InstrumentID)
		e.cache.InvalidateBook(d.InstrumentID)
	} else if e.dropStale(streamKey{id: d.InstrumentID, dt: model.DataDelta}, d.Sequence) {
		return
	}

	changed, err := b.Apply(d)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrSequenceGap):
			e.metrics.SequenceGaps.WithLabelValues(venue).Inc()
			e.logger.Warn("book sequence gap", zap.String("instrument", d.InstrumentID.String()), zap.Error(err))
			e.requestResync(d.InstrumentID, "sequence gap")
		case errors.Is(err, errs.ErrCrossedBook):
			e.metrics.CrossedBooks.WithLabelValues(venue).Inc()
			e.logger.Warn("crossed book", zap.String("instrument", d.InstrumentID.String()), zap.Error(err))
			e.requestResync(d.InstrumentID, "crossed book")
		case errors.Is(err, errs.ErrInvalidDelta):
			e.metrics.InvalidDeltas.WithLabelValues(venue).Inc()
			e.logger.Debug("invalid delta dropped",
				zap.String("instrument", d.InstrumentID.String()),
				zap.String("action", d.Action.String()),
				zap.Uint64("sequence", d.Sequence),
			)
		default:
			e.logger.Error("delta apply failed", zap.String("instrument", d.InstrumentID.String()), zap.Error(err))
		}
		return
	}
	if !changed {
		return
	}

	e.mbus.Publish(model.Topic(model.DataDelta, d.InstrumentID), d)
	// The empty book right after a Clear is not published: the cache was
	// just invalidated and the snapshot batch repopulates it level by
	// level.
	if d.Action != model.ActionClear {
		snapshot := b.Snapshot(e.cfg.SnapshotDepth)
		e.mbus.Publish(bookTopic(d.InstrumentID), snapshot)
		e.cache.UpdateBook(snapshot)
	}
	e.append(catalog.Record{
		InstrumentID: d.InstrumentID,
		DataType:     model.DataDelta,
		Ts:           d.EventTime,
		Sequence:     d.Sequence,
		Payload:      d,
	})
}

// bookTopic is the derived book-snapshot stream for an instrument.
func bookTopic(id model.InstrumentID) string {
	return "data.book." + string(id.Venue) + "." + id.Symbol
}

func (e *DataEngine) bookFor(id model.InstrumentID) *book.OrderBook {
	if b, ok := e.books[id]; ok {
		return b
	}
	bt, ok := e.bookType[id]
	if !ok {
		bt = e.cfg.DefaultBookType
	}
	b := book.New(id, bt)
	e.books[id] = b
	return b
}

// requestResync asks the owning client for a fresh snapshot, at most one
// in flight per instrument. The venue call runs off-loop: resync is I/O
// and must not stall ingestion.
func (e *DataEngine) requestResync(id model.InstrumentID, reason string) {
	if e.resyncs[id] {
		return
	}
	e.resyncs[id] = true
	e.metrics.ResyncRequests.WithLabelValues(string(id.Venue)).Inc()

	e.mbus.Publish("events.book.resync."+string(id.Venue)+"."+id.Symbol, model.ResyncRequired{
		InstrumentID: id,
		Reason:       reason,
		EventTime:    e.clk.Now(),
	})

	e.mu.RLock()
	clientID, ok := e.venues[id.Venue]
	var requester SnapshotRequester
	if ok {
		requester, _ = e.handles[clientID].client.(SnapshotRequester)
	}
	e.mu.RUnlock()
	if requester == nil {
		e.logger.Warn("no snapshot requester for resync",
			zap.String("instrument", id.String()),
			zap.String("reason", reason),
		)
		return
	}

	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if err := requester.RequestSnapshot(ctx, id); err != nil {
			e.logger.Error("snapshot request failed",
				zap.String("instrument", id.String()),
				zap.Error(err),
			)
		}
	}()
}

// emitBar publishes a closed bar; wired as every aggregator's callback.
func (e *DataEngine) emitBar(bar model.Bar) {
	e.metrics.BarsEmitted.WithLabelValues(bar.Type.Spec.Aggregation.String()).Inc()
	e.mbus.Publish(model.BarTopic(bar.Type), bar)
	e.cache.AddBar(bar)
	e.append(catalog.Record{
		InstrumentID: bar.Type.InstrumentID,
		DataType:     model.DataBar,
		Ts:           bar.TsClose,
		Payload:      bar,
	})
}

func (e *DataEngine) append(rec catalog.Record) {
	if e.appender == nil {
		return
	}
	e.appender.Enqueue(rec)
}
