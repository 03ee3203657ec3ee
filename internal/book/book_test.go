package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/datacore/internal/model"
	"github.com/quantfabric/datacore/pkg/errs"
)

var btcusd = model.NewInstrumentID("BINANCE", "BTC-USD")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func delta(action model.BookAction, side model.Side, price, size string, seq uint64) model.OrderBookDelta {
	return model.OrderBookDelta{
		InstrumentID: btcusd,
		Action:       action,
		Side:         side,
		Price:        d(price),
		Size:         d(size),
		Sequence:     seq,
		EventTime:    time.Unix(int64(seq), 0).UTC(),
	}
}

// synced returns a synchronized MBP book seeded at sequence 1 with one
// level each side: bid 100x1, ask 101x1.
func synced(t *testing.T) *OrderBook {
	t.Helper()
	b := New(btcusd, model.BookMBP)
	_, err := b.Apply(delta(model.ActionClear, model.SideNone, "0", "0", 1))
	require.NoError(t, err)
	_, err = b.Apply(delta(model.ActionAdd, model.SideBid, "100", "1", 2))
	require.NoError(t, err)
	_, err = b.Apply(delta(model.ActionAdd, model.SideAsk, "101", "1", 3))
	require.NoError(t, err)
	require.Equal(t, StateSynchronized, b.State())
	return b
}

func TestOrderBook_UninitializedIgnoresIncrementals(t *testing.T) {
	b := New(btcusd, model.BookMBP)
	changed, err := b.Apply(delta(model.ActionAdd, model.SideBid, "100", "1", 1))
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StateUninitialized, b.State())

	changed, err = b.Apply(delta(model.ActionClear, model.SideNone, "0", "0", 5))
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateSynchronized, b.State())
	assert.Equal(t, uint64(5), b.LastSequence())
}

func TestOrderBook_AddUpdateDelete(t *testing.T) {
	b := synced(t)

	_, err := b.Apply(delta(model.ActionAdd, model.SideBid, "100", "2", 4))
	require.NoError(t, err)
	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Size.Equal(d("3")), "adds aggregate at the same price")

	_, err = b.Apply(delta(model.ActionUpdate, model.SideBid, "100", "5", 5))
	require.NoError(t, err)
	bid, _ = b.BestBid()
	assert.True(t, bid.Size.Equal(d("5")), "update replaces the level size")

	changed, err := b.Apply(delta(model.ActionDelete, model.SideBid, "100", "0", 6))
	require.NoError(t, err)
	assert.True(t, changed)
	_, ok = b.BestBid()
	assert.False(t, ok, "empty level is removed entirely")
}

func TestOrderBook_BestPointersTrackTopOfBook(t *testing.T) {
	b := synced(t)

	_, err := b.Apply(delta(model.ActionAdd, model.SideBid, "99", "1", 4))
	require.NoError(t, err)
	bid, _ := b.BestBid()
	assert.True(t, bid.Price.Equal(d("100")), "worse price does not displace best")

	_, err = b.Apply(delta(model.ActionAdd, model.SideBid, "100.5", "1", 5))
	require.NoError(t, err)
	bid, _ = b.BestBid()
	assert.True(t, bid.Price.Equal(d("100.5")), "better price becomes best")

	_, err = b.Apply(delta(model.ActionDelete, model.SideBid, "100.5", "0", 6))
	require.NoError(t, err)
	bid, _ = b.BestBid()
	assert.True(t, bid.Price.Equal(d("100")), "deleting best falls back to next level")

	ask, _ := b.BestAsk()
	assert.True(t, ask.Price.Equal(d("101")))
}

func TestOrderBook_DuplicateSequenceIsIdempotent(t *testing.T) {
	b := synced(t)
	before := b.Snapshot(0)

	for _, seq := range []uint64{1, 2, 3} {
		changed, err := b.Apply(delta(model.ActionAdd, model.SideBid, "90", "9", seq))
		assert.NoError(t, err)
		assert.False(t, changed)
	}
	assert.Equal(t, before, b.Snapshot(0), "duplicates never change book state")
	assert.Equal(t, uint64(3), b.LastSequence())
}

func TestOrderBook_SequenceGapGoesStale(t *testing.T) {
	b := synced(t)

	changed, err := b.Apply(delta(model.ActionAdd, model.SideBid, "99", "1", 10))
	assert.False(t, changed)
	require.ErrorIs(t, err, errs.ErrSequenceGap)
	assert.Equal(t, StateStale, b.State())
	assert.Equal(t, uint64(3), b.LastSequence(), "gap never advances the sequence")

	var gapErr *errs.SequenceGapError
	require.ErrorAs(t, err, &gapErr)
	assert.Equal(t, uint64(4), gapErr.Expected)
	assert.Equal(t, uint64(10), gapErr.Got)

	// Incremental deltas cannot resynchronize a stale book.
	changed, err = b.Apply(delta(model.ActionAdd, model.SideBid, "99", "1", 4))
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StateStale, b.State())

	// A fresh snapshot can.
	changed, err = b.Apply(delta(model.ActionClear, model.SideNone, "0", "0", 20))
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateSynchronized, b.State())
	assert.Equal(t, uint64(20), b.LastSequence())
	assert.Empty(t, b.Snapshot(0).Bids, "clear discards all levels")
}

func TestOrderBook_InvalidDeltaDroppedWithoutStale(t *testing.T) {
	b := synced(t)

	changed, err := b.Apply(delta(model.ActionUpdate, model.SideBid, "55", "1", 4))
	assert.False(t, changed)
	require.ErrorIs(t, err, errs.ErrInvalidDelta)
	assert.Equal(t, StateSynchronized, b.State(), "invalid delta does not force stale")
	assert.Equal(t, uint64(3), b.LastSequence(), "invalid delta does not consume the sequence")

	// The sequence the invalid delta carried can still be applied.
	changed, err = b.Apply(delta(model.ActionAdd, model.SideBid, "99", "1", 4))
	assert.NoError(t, err)
	assert.True(t, changed)
}

func TestOrderBook_CrossedBookGoesStale(t *testing.T) {
	b := synced(t)

	changed, err := b.Apply(delta(model.ActionAdd, model.SideBid, "101.5", "1", 4))
	assert.False(t, changed, "crossed mutation must not be published")
	require.ErrorIs(t, err, errs.ErrCrossedBook)
	assert.Equal(t, StateStale, b.State())
}

func TestOrderBook_EqualPricesAreCrossed(t *testing.T) {
	b := synced(t)
	_, err := b.Apply(delta(model.ActionAdd, model.SideBid, "101", "1", 4))
	require.ErrorIs(t, err, errs.ErrCrossedBook)
	assert.Equal(t, StateStale, b.State())
}

func TestOrderBook_ValidDeltaStreamKeepsInvariant(t *testing.T) {
	b := New(btcusd, model.BookMBP)
	_, err := b.Apply(delta(model.ActionClear, model.SideNone, "0", "0", 0))
	require.NoError(t, err)

	seq := uint64(1)
	for i := 0; i < 50; i++ {
		bidPrice := 100 - i%7
		askPrice := 101 + i%5
		_, err = b.Apply(delta(model.ActionAdd, model.SideBid, decimal.NewFromInt(int64(bidPrice)).String(), "1", seq))
		require.NoError(t, err)
		seq++
		_, err = b.Apply(delta(model.ActionAdd, model.SideAsk, decimal.NewFromInt(int64(askPrice)).String(), "1", seq))
		require.NoError(t, err)
		seq++

		bid, okB := b.BestBid()
		ask, okA := b.BestAsk()
		require.True(t, okB)
		require.True(t, okA)
		require.True(t, bid.Price.LessThan(ask.Price), "best bid %s < best ask %s", bid.Price, ask.Price)
	}
	assert.Equal(t, StateSynchronized, b.State())
}

func TestOrderBook_SnapshotDepthAndImmutability(t *testing.T) {
	b := synced(t)
	for i, p := range []string{"99", "98", "97"} {
		_, err := b.Apply(delta(model.ActionAdd, model.SideBid, p, "1", uint64(4+i)))
		require.NoError(t, err)
	}

	snap := b.Snapshot(2)
	require.Len(t, snap.Bids, 2)
	assert.True(t, snap.Bids[0].Price.Equal(d("100")), "levels ordered best first")
	assert.True(t, snap.Bids[1].Price.Equal(d("99")))
	require.Len(t, snap.Asks, 1)

	full := b.Snapshot(0)
	assert.Len(t, full.Bids, 4)

	// Mutating the snapshot must not touch the live book.
	snap.Bids[0].Size = d("999")
	bid, _ := b.BestBid()
	assert.True(t, bid.Size.Equal(d("1")))
}

func TestOrderBookMBO_OrderLifecycle(t *testing.T) {
	b := New(btcusd, model.BookMBO)
	_, err := b.Apply(delta(model.ActionClear, model.SideNone, "0", "0", 1))
	require.NoError(t, err)

	add := func(price, size, orderID string, seq uint64) model.OrderBookDelta {
		dl := delta(model.ActionAdd, model.SideBid, price, size, seq)
		dl.OrderID = orderID
		return dl
	}

	_, err = b.Apply(add("100", "1", "o1", 2))
	require.NoError(t, err)
	_, err = b.Apply(add("100", "2", "o2", 3))
	require.NoError(t, err)

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Size.Equal(d("3")), "level size is the order sum")
	assert.Equal(t, 2, bid.Orders)

	upd := delta(model.ActionUpdate, model.SideBid, "100", "5", 4)
	upd.OrderID = "o1"
	_, err = b.Apply(upd)
	require.NoError(t, err)
	bid, _ = b.BestBid()
	assert.True(t, bid.Size.Equal(d("7")))

	del := delta(model.ActionDelete, model.SideBid, "100", "0", 5)
	del.OrderID = "o1"
	_, err = b.Apply(del)
	require.NoError(t, err)
	bid, _ = b.BestBid()
	assert.True(t, bid.Size.Equal(d("2")))
	assert.Equal(t, 1, bid.Orders)

	del.OrderID = "o2"
	del.Sequence = 6
	_, err = b.Apply(del)
	require.NoError(t, err)
	_, ok = b.BestBid()
	assert.False(t, ok, "deleting the last order removes the level")
}

func TestOrderBookMBO_UnknownOrderIsInvalid(t *testing.T) {
	b := New(btcusd, model.BookMBO)
	_, err := b.Apply(delta(model.ActionClear, model.SideNone, "0", "0", 1))
	require.NoError(t, err)

	del := delta(model.ActionDelete, model.SideBid, "100", "0", 2)
	del.OrderID = "ghost"
	_, err = b.Apply(del)
	assert.ErrorIs(t, err, errs.ErrInvalidDelta)
	assert.Equal(t, StateSynchronized, b.State())
}

func TestOrderBookMBO_DuplicateOrderIDIsInvalid(t *testing.T) {
	b := New(btcusd, model.BookMBO)
	_, err := b.Apply(delta(model.ActionClear, model.SideNone, "0", "0", 1))
	require.NoError(t, err)

	add := delta(model.ActionAdd, model.SideBid, "100", "1", 2)
	add.OrderID = "o1"
	_, err = b.Apply(add)
	require.NoError(t, err)

	add.Sequence = 3
	_, err = b.Apply(add)
	assert.ErrorIs(t, err, errs.ErrInvalidDelta)
}

func TestLadder_InsertionOrdering(t *testing.T) {
	bids := NewLadder(model.SideBid, model.BookMBP)
	asks := NewLadder(model.SideAsk, model.BookMBP)
	for _, p := range []string{"100", "102", "101"} {
		require.NoError(t, bids.Add(d(p), d("1"), ""))
		require.NoError(t, asks.Add(d(p), d("1"), ""))
	}

	bidLevels := bids.Levels(0)
	require.Len(t, bidLevels, 3)
	assert.True(t, bidLevels[0].Price.Equal(d("102")), "bids descend")

	askLevels := asks.Levels(0)
	require.Len(t, askLevels, 3)
	assert.True(t, askLevels[0].Price.Equal(d("100")), "asks ascend")

	assert.Equal(t, 3, bids.Depth())
}
