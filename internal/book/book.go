// Package book maintains per-instrument order-book state from normalized
// deltas. The book is a state machine: it starts Uninitialized, becomes
// Synchronized on the first accepted snapshot (Clear), and drops to Stale
// on a sequence gap or a crossed market. A stale book only recovers
// through a fresh snapshot, never by resuming incremental deltas.
package book

import (
	"time"

	"github.com/quantfabric/datacore/internal/model"
	"github.com/quantfabric/datacore/pkg/errs"
)

// State is the synchronization state of a book.
type State uint8

const (
	StateUninitialized State = iota
	StateSynchronized
	StateStale
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateSynchronized:
		return "SYNCHRONIZED"
	case StateStale:
		return "STALE"
	default:
		return "UNKNOWN"
	}
}

// OrderBook is a single instrument's book. It is owned and mutated
// exclusively by the engine's sequential path; readers only ever see
// immutable snapshots produced by Snapshot.
type OrderBook struct {
	instrumentID model.InstrumentID
	bookType     model.BookType
	bids         *Ladder
	asks         *Ladder
	state        State
	lastSeq      uint64
	lastUpdated  time.Time
	applied      uint64
}

// New returns an uninitialized book for the instrument.
func New(id model.InstrumentID, bookType model.BookType) *OrderBook {
	return &OrderBook{
		instrumentID: id,
		bookType:     bookType,
		bids:         NewLadder(model.SideBid, bookType),
		asks:         NewLadder(model.SideAsk, bookType),
		state:        StateUninitialized,
	}
}

// InstrumentID returns the instrument this book tracks.
func (b *OrderBook) InstrumentID() model.InstrumentID { return b.instrumentID }

// BookType returns the book granularity.
func (b *OrderBook) BookType() model.BookType { return b.bookType }

// State returns the current synchronization state.
func (b *OrderBook) State() State { return b.state }

// LastSequence returns the last applied sequence number.
func (b *OrderBook) LastSequence() uint64 { return b.lastSeq }

// AppliedCount returns the number of successfully applied deltas.
func (b *OrderBook) AppliedCount() uint64 { return b.applied }

// Apply runs one delta through the state machine. The returned changed
// flag reports whether observable state mutated and may be published;
// it is false for drops and for faults that mark the book stale.
//
// Error classification for the caller:
//   - nil with changed=false: duplicate/late delta or a delta ignored
//     while stale or uninitialized; silently dropped.
//   - errs.ErrSequenceGap: the book is now Stale and needs a resync.
//   - errs.ErrInvalidDelta: delta referenced an unknown level/order;
//     dropped without a state transition.
//   - errs.ErrCrossedBook: the apply produced a crossed market; the book
//     is now Stale and the mutation must not be published.
func (b *OrderBook) Apply(delta model.OrderBookDelta) (bool, error) {
	if delta.Action == model.ActionClear {
		b.clear(delta)
		return true, nil
	}

	switch b.state {
	case StateUninitialized:
		// Incremental deltas before the first snapshot carry nothing to
		// apply them against.
		return false, nil
	case StateStale:
		// A resync is already pending; only a fresh snapshot recovers.
		return false, nil
	}

	if delta.Sequence <= b.lastSeq {
		return false, nil
	}
	if delta.Sequence > b.lastSeq+1 {
		b.state = StateStale
		return false, &errs.SequenceGapError{
			Stream:   b.instrumentID.String(),
			Expected: b.lastSeq + 1,
			Got:      delta.Sequence,
		}
	}

	ladder := b.bids
	if delta.Side == model.SideAsk {
		ladder = b.asks
	}

	var err error
	switch delta.Action {
	case model.ActionAdd:
		err = ladder.Add(delta.Price, delta.Size, delta.OrderID)
	case model.ActionUpdate:
		err = ladder.Update(delta.Price, delta.Size, delta.OrderID)
	case model.ActionDelete:
		err = ladder.Delete(delta.Price, delta.OrderID)
	default:
		err = errs.ErrInvalidDelta
	}
	if err != nil {
		// Invalid deltas are dropped without advancing the sequence: a
		// venue re-sending the missing reference must not be treated as
		// a duplicate.
		return false, err
	}

	b.lastSeq = delta.Sequence
	b.lastUpdated = delta.EventTime
	b.applied++

	if b.isCrossed() {
		b.state = StateStale
		bid, ask := b.bids.Best(), b.asks.Best()
		return false, &errs.CrossedBookError{
			Instrument: b.instrumentID.String(),
			BestBid:    bid.Price.String(),
			BestAsk:    ask.Price.String(),
		}
	}
	return true, nil
}

func (b *OrderBook) clear(delta model.OrderBookDelta) {
	b.bids.Clear()
	b.asks.Clear()
	b.lastSeq = delta.Sequence
	b.lastUpdated = delta.EventTime
	b.state = StateSynchronized
	b.applied++
}

func (b *OrderBook) isCrossed() bool {
	bid, ask := b.bids.Best(), b.asks.Best()
	return bid != nil && ask != nil && bid.Price.GreaterThanOrEqual(ask.Price)
}

// BestBid returns the top bid level via the cached pointer.
func (b *OrderBook) BestBid() (model.BookLevel, bool) {
	return bestOf(b.bids)
}

// BestAsk returns the top ask level via the cached pointer.
func (b *OrderBook) BestAsk() (model.BookLevel, bool) {
	return bestOf(b.asks)
}

func bestOf(l *Ladder) (model.BookLevel, bool) {
	lvl := l.Best()
	if lvl == nil {
		return model.BookLevel{}, false
	}
	return model.BookLevel{Price: lvl.Price, Size: lvl.Size, Orders: len(lvl.Orders)}, true
}

// Snapshot returns an immutable copy of the top depth levels per side.
// depth <= 0 copies the full book.
func (b *OrderBook) Snapshot(depth int) model.BookUpdate {
	return model.BookUpdate{
		InstrumentID: b.instrumentID,
		Type:         b.bookType,
		Bids:         b.bids.Levels(depth),
		Asks:         b.asks.Levels(depth),
		Sequence:     b.lastSeq,
		EventTime:    b.lastUpdated,
	}
}
