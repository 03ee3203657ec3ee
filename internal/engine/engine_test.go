package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfabric/datacore/internal/bus"
	"github.com/quantfabric/datacore/internal/cache"
	"github.com/quantfabric/datacore/internal/catalog"
	"github.com/quantfabric/datacore/internal/clock"
	"github.com/quantfabric/datacore/internal/metrics"
	"github.com/quantfabric/datacore/internal/model"
	"github.com/quantfabric/datacore/pkg/errs"
)

var ethusd = model.NewInstrumentID("BINANCE", "ETH-USD")

// fakeClient counts venue subscription calls and records connectivity.
type fakeClient struct {
	mu         sync.Mutex
	id         string
	venue      model.Venue
	subscribed map[string]int
	historical []catalog.Record
	histErr    error
}

func newFakeClient(id string, venue model.Venue) *fakeClient {
	return &fakeClient{id: id, venue: venue, subscribed: make(map[string]int)}
}

func (c *fakeClient) ID() string                           { return c.id }
func (c *fakeClient) Venue() model.Venue                   { return c.venue }
func (c *fakeClient) Connect(ctx context.Context) error    { return nil }
func (c *fakeClient) Disconnect(ctx context.Context) error { return nil }

func (c *fakeClient) Subscribe(ctx context.Context, id model.InstrumentID, dt model.DataType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[dt.String()+"|"+id.String()]++
	return nil
}

func (c *fakeClient) Unsubscribe(ctx context.Context, id model.InstrumentID, dt model.DataType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[dt.String()+"|"+id.String()]--
	return nil
}

func (c *fakeClient) subCount(dt model.DataType, id model.InstrumentID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[dt.String()+"|"+id.String()]
}

// historicalClient additionally serves range requests.
type historicalClient struct {
	*fakeClient
}

func (c *historicalClient) RequestHistorical(ctx context.Context, id model.InstrumentID, dt model.DataType, start, end time.Time) (catalog.Sequence, error) {
	if c.histErr != nil {
		return nil, c.histErr
	}
	return catalog.NewSliceSequence(c.historical), nil
}

type testRig struct {
	engine *DataEngine
	mbus   *bus.MessageBus
	cache  *cache.Cache
	clk    *clock.TestClock
	client *fakeClient
	handle *clientHandle
}

func newTestRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.New()
	mbus := bus.New(logger, m)
	c := cache.New(logger, cache.DefaultConfig(), mbus, nil)
	clk := clock.NewTestClock(mustTime("2024-01-02T10:00:00Z"))

	e := New(logger, m, mbus, c, clk, DefaultConfig(), opts...)
	client := newFakeClient("binance-01", "BINANCE")
	_, err := e.RegisterClient(client)
	require.NoError(t, err)

	return &testRig{
		engine: e,
		mbus:   mbus,
		cache:  c,
		clk:    clk,
		client: client,
		handle: e.handles[client.id],
	}
}

func mustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func quoteAt(seq uint64, s string) model.QuoteTick {
	return model.QuoteTick{
		InstrumentID: ethusd,
		BidPrice:     decimal.RequireFromString("100"),
		AskPrice:     decimal.RequireFromString("101"),
		BidSize:      decimal.NewFromInt(1),
		AskSize:      decimal.NewFromInt(1),
		Sequence:     seq,
		EventTime:    mustTime(s),
	}
}

func tradeAt(seq uint64, price, size, s string) model.TradeTick {
	return model.TradeTick{
		InstrumentID: ethusd,
		Price:        decimal.RequireFromString(price),
		Size:         decimal.RequireFromString(size),
		Side:         model.SideBid,
		Sequence:     seq,
		EventTime:    mustTime(s),
	}
}

func deltaAt(action model.BookAction, side model.Side, price string, size string, seq uint64, s string) model.OrderBookDelta {
	return model.OrderBookDelta{
		InstrumentID: ethusd,
		Action:       action,
		Side:         side,
		Price:        decimal.RequireFromString(price),
		Size:         decimal.RequireFromString(size),
		Sequence:     seq,
		EventTime:    mustTime(s),
	}
}

func TestEngine_SubscriptionsAreReferenceCounted(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sub1, err := rig.engine.Subscribe(ctx, model.DataQuote, ethusd)
	require.NoError(t, err)
	sub2, err := rig.engine.Subscribe(ctx, model.DataQuote, ethusd)
	require.NoError(t, err)
	sub3, err := rig.engine.Subscribe(ctx, model.DataQuote, ethusd)
	require.NoError(t, err)

	assert.Equal(t, 1, rig.client.subCount(model.DataQuote, ethusd),
		"three subscribers share one venue subscription")

	require.NoError(t, rig.engine.Unsubscribe(ctx, sub1))
	require.NoError(t, rig.engine.Unsubscribe(ctx, sub2))
	assert.Equal(t, 1, rig.client.subCount(model.DataQuote, ethusd))

	require.NoError(t, rig.engine.Unsubscribe(ctx, sub3))
	assert.Equal(t, 0, rig.client.subCount(model.DataQuote, ethusd),
		"last unsubscribe releases the venue subscription")

	err = rig.engine.Unsubscribe(ctx, sub3)
	assert.ErrorIs(t, err, errs.ErrSubscription)
}

func TestEngine_SubscribeUnknownVenueFails(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.engine.Subscribe(context.Background(), model.DataQuote, model.NewInstrumentID("KRAKEN", "ETH-USD"))
	assert.ErrorIs(t, err, errs.ErrSubscription)
}

func TestEngine_BarSubscriptionPicksUnderlyingStream(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	lastBars := model.NewBarType(ethusd, model.BarSpecification{
		Step: 3, Aggregation: model.AggTick, PriceSource: model.PriceLast,
	})
	midBars := model.NewBarType(ethusd, model.BarSpecification{
		Step: 3, Aggregation: model.AggTick, PriceSource: model.PriceMid,
	})

	subLast, err := rig.engine.SubscribeBars(ctx, lastBars)
	require.NoError(t, err)
	assert.Equal(t, 1, rig.client.subCount(model.DataTrade, ethusd), "LAST bars feed on trades")

	subMid, err := rig.engine.SubscribeBars(ctx, midBars)
	require.NoError(t, err)
	assert.Equal(t, 1, rig.client.subCount(model.DataQuote, ethusd), "MID bars feed on quotes")

	require.NoError(t, rig.engine.Unsubscribe(ctx, subLast))
	assert.Equal(t, 0, rig.client.subCount(model.DataTrade, ethusd),
		"unsubscribing bars releases the underlying tick stream")
	require.NoError(t, rig.engine.Unsubscribe(ctx, subMid))
	assert.Equal(t, 0, rig.client.subCount(model.DataQuote, ethusd))
}

func TestEngine_TimeBarSubscriptionSchedulesTimer(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	barType := model.NewBarType(ethusd, model.BarSpecification{
		Step: 1, Aggregation: model.AggTimeMinute, PriceSource: model.PriceLast,
	})
	sub, err := rig.engine.SubscribeBars(ctx, barType)
	require.NoError(t, err)
	assert.Contains(t, rig.clk.TimerNames(), "bars."+barType.String())

	require.NoError(t, rig.engine.Unsubscribe(ctx, sub))
	assert.Empty(t, rig.clk.TimerNames(), "timer cancelled with the bar stream")
}

func TestEngine_DuplicateSequenceIsDroppedOncePublished(t *testing.T) {
	rig := newTestRig(t)

	var published []model.QuoteTick
	rig.mbus.Subscribe("data.quote.BINANCE.ETH-USD", func(msg bus.Message) {
		published = append(published, msg.Payload.(model.QuoteTick))
	})

	rig.engine.process(rig.handle, quoteAt(1, "2024-01-02T10:00:01Z"))
	rig.engine.process(rig.handle, quoteAt(2, "2024-01-02T10:00:02Z"))
	rig.engine.process(rig.handle, quoteAt(2, "2024-01-02T10:00:02Z")) // duplicate
	rig.engine.process(rig.handle, quoteAt(1, "2024-01-02T10:00:03Z")) // stale replay

	require.Len(t, published, 2)
	assert.Equal(t, uint64(1), published[0].Sequence)
	assert.Equal(t, uint64(2), published[1].Sequence)

	latest, ok := rig.cache.Quote(ethusd)
	require.True(t, ok)
	assert.Equal(t, uint64(2), latest.Sequence)
}

func TestEngine_DeltaFlowPublishesBookSnapshots(t *testing.T) {
	rig := newTestRig(t)

	var snapshots []model.BookUpdate
	rig.mbus.Subscribe("data.book.BINANCE.ETH-USD", func(msg bus.Message) {
		snapshots = append(snapshots, msg.Payload.(model.BookUpdate))
	})

	rig.engine.process(rig.handle, deltaAt(model.ActionClear, model.SideNone, "0", "0", 10, "2024-01-02T10:00:00Z"))
	rig.engine.process(rig.handle, deltaAt(model.ActionAdd, model.SideBid, "100", "5", 11, "2024-01-02T10:00:01Z"))
	rig.engine.process(rig.handle, deltaAt(model.ActionAdd, model.SideAsk, "101", "3", 12, "2024-01-02T10:00:02Z"))

	require.Len(t, snapshots, 2, "Clear mutates nothing visible; each Add snapshots")
	last := snapshots[len(snapshots)-1]
	bid, ok := last.BestBid()
	require.True(t, ok)
	ask, ok := last.BestAsk()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(decimal.RequireFromString("100")))
	assert.True(t, ask.Price.Equal(decimal.RequireFromString("101")))

	cached, ok := rig.cache.Book(ethusd)
	require.True(t, ok)
	assert.Equal(t, last.Sequence, cached.Sequence)
}

func TestEngine_SequenceGapTriggersOneResync(t *testing.T) {
	rig := newTestRig(t)

	var resyncs []model.ResyncRequired
	rig.mbus.Subscribe("events.book.resync.BINANCE.ETH-USD", func(msg bus.Message) {
		resyncs = append(resyncs, msg.Payload.(model.ResyncRequired))
	})

	rig.engine.process(rig.handle, deltaAt(model.ActionClear, model.SideNone, "0", "0", 10, "2024-01-02T10:00:00Z"))
	rig.engine.process(rig.handle, deltaAt(model.ActionAdd, model.SideBid, "100", "5", 11, "2024-01-02T10:00:01Z"))
	// Gap: 12 missing.
	rig.engine.process(rig.handle, deltaAt(model.ActionAdd, model.SideBid, "99", "5", 13, "2024-01-02T10:00:02Z"))
	// Further deltas while stale must not fan out more resyncs.
	rig.engine.process(rig.handle, deltaAt(model.ActionAdd, model.SideBid, "98", "5", 14, "2024-01-02T10:00:03Z"))

	require.Len(t, resyncs, 1, "one resync in flight per instrument")
	assert.Equal(t, "sequence gap", resyncs[0].Reason)

	_, ok := rig.cache.Book(ethusd)
	assert.True(t, ok, "stale book snapshot remains until the fresh Clear invalidates it")

	// The authoritative snapshot clears the in-flight marker and the cache.
	rig.engine.process(rig.handle, deltaAt(model.ActionClear, model.SideNone, "0", "0", 20, "2024-01-02T10:00:04Z"))
	_, ok = rig.cache.Book(ethusd)
	assert.False(t, ok)
	assert.False(t, rig.engine.resyncs[ethusd])
}

func TestEngine_DegradedClientPausesDelivery(t *testing.T) {
	rig := newTestRig(t)

	var published int
	rig.mbus.Subscribe("data.quote.BINANCE.ETH-USD", func(bus.Message) { published++ })

	rig.engine.process(rig.handle, quoteAt(1, "2024-01-02T10:00:01Z"))
	rig.engine.process(rig.handle, clientStatus{clientID: rig.client.id, connected: false, at: mustTime("2024-01-02T10:00:02Z")})
	rig.engine.process(rig.handle, quoteAt(2, "2024-01-02T10:00:03Z"))
	assert.Equal(t, 1, published, "quotes from a degraded client are not published")

	rig.engine.process(rig.handle, clientStatus{clientID: rig.client.id, connected: true, at: mustTime("2024-01-02T10:00:04Z")})
	rig.engine.process(rig.handle, quoteAt(3, "2024-01-02T10:00:05Z"))
	assert.Equal(t, 2, published)
}

func TestEngine_TickBarsEmitThroughPipeline(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	barType := model.NewBarType(ethusd, model.BarSpecification{
		Step: 2, Aggregation: model.AggTick, PriceSource: model.PriceLast,
	})
	_, err := rig.engine.SubscribeBars(ctx, barType)
	require.NoError(t, err)

	var emitted []model.Bar
	rig.mbus.Subscribe(model.BarTopic(barType), func(msg bus.Message) {
		emitted = append(emitted, msg.Payload.(model.Bar))
	})

	rig.engine.process(rig.handle, tradeAt(1, "100", "1", "2024-01-02T10:00:01Z"))
	rig.engine.process(rig.handle, tradeAt(2, "102", "1", "2024-01-02T10:00:02Z"))
	rig.engine.process(rig.handle, tradeAt(3, "101", "1", "2024-01-02T10:00:03Z"))

	require.Len(t, emitted, 1)
	assert.True(t, emitted[0].Open.Equal(decimal.RequireFromString("100")))
	assert.True(t, emitted[0].Close.Equal(decimal.RequireFromString("102")))
	assert.Equal(t, 2, emitted[0].TickCount)

	cached, ok := rig.cache.LastBar(barType)
	require.True(t, ok)
	assert.True(t, cached.Close.Equal(emitted[0].Close))
}

func TestEngine_TimeBarClosesOnAdvancedClock(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	barType := model.NewBarType(ethusd, model.BarSpecification{
		Step: 1, Aggregation: model.AggTimeMinute, PriceSource: model.PriceLast,
	})
	_, err := rig.engine.SubscribeBars(ctx, barType)
	require.NoError(t, err)

	var emitted []model.Bar
	rig.mbus.Subscribe(model.BarTopic(barType), func(msg bus.Message) {
		emitted = append(emitted, msg.Payload.(model.Bar))
	})

	rig.engine.process(rig.handle, tradeAt(1, "100", "1", "2024-01-02T10:00:10Z"))
	rig.engine.process(rig.handle, tradeAt(2, "105", "1", "2024-01-02T10:00:40Z"))
	// Advancing past the boundary fires the timer through the engine.
	rig.engine.process(rig.handle, tradeAt(3, "90", "1", "2024-01-02T10:01:05Z"))

	require.Len(t, emitted, 1)
	assert.Equal(t, mustTime("2024-01-02T10:00:00Z"), emitted[0].TsOpen)
	assert.Equal(t, mustTime("2024-01-02T10:01:00Z"), emitted[0].TsClose)
	assert.True(t, emitted[0].Close.Equal(decimal.RequireFromString("105")),
		"the 10:01:05 trade belongs to the next bar")
}

func TestEngine_RunLoopMergesClientsByEventTime(t *testing.T) {
	logger := zap.NewNop()
	m := metrics.New()
	mbus := bus.New(logger, m)
	c := cache.New(logger, cache.DefaultConfig(), mbus, nil)
	clk := clock.NewLiveClock(nil)

	e := New(logger, m, mbus, c, clk, DefaultConfig())
	clientA := newFakeClient("a", "BINANCE")
	clientB := newFakeClient("b", "KRAKEN")
	intakeA, err := e.RegisterClient(clientA)
	require.NoError(t, err)
	intakeB, err := e.RegisterClient(clientB)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []uint64
	done := make(chan struct{})
	mbus.Subscribe("data.trade.*.*", func(msg bus.Message) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, msg.Payload.(model.TradeTick).Seq())
		if len(order) == 4 {
			close(done)
		}
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	krakenEth := model.NewInstrumentID("KRAKEN", "ETH-USD")
	trade := func(id model.InstrumentID, seq uint64, at string) model.TradeTick {
		return model.TradeTick{
			InstrumentID: id,
			Price:        decimal.NewFromInt(100),
			Size:         decimal.NewFromInt(1),
			Sequence:     seq,
			EventTime:    mustTime(at),
		}
	}

	// Deliver both clients' backlogs before the loop drains them so the
	// merge sees both staged heads.
	intakeA.Deliver(trade(ethusd, 1, "2024-01-02T10:00:01Z"))
	intakeA.Deliver(trade(ethusd, 3, "2024-01-02T10:00:03Z"))
	intakeB.Deliver(trade(krakenEth, 2, "2024-01-02T10:00:02Z"))
	intakeB.Deliver(trade(krakenEth, 4, "2024-01-02T10:00:04Z"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for merged stream")
	}
	require.NoError(t, e.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	// Per-client order is inviolable regardless of interleaving.
	assert.Less(t, indexOf(order, 1), indexOf(order, 3))
	assert.Less(t, indexOf(order, 2), indexOf(order, 4))
}

func indexOf(s []uint64, v uint64) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func TestEngine_RegisterRejectsDuplicateVenue(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.engine.RegisterClient(newFakeClient("binance-02", "BINANCE"))
	assert.Error(t, err)
	_, err = rig.engine.RegisterClient(newFakeClient("binance-01", "KRAKEN"))
	assert.Error(t, err)
}

func TestEngine_RequestHistoricalPrefersClientThenReader(t *testing.T) {
	logger := zap.NewNop()
	m := metrics.New()
	mbus := bus.New(logger, m)
	c := cache.New(logger, cache.DefaultConfig(), mbus, nil)

	mem := catalog.NewMemoryCatalog()
	require.NoError(t, mem.Append(context.Background(), catalog.Record{
		InstrumentID: ethusd,
		DataType:     model.DataTrade,
		Ts:           mustTime("2024-01-02T10:00:00Z"),
		Sequence:     7,
	}))

	e := New(logger, m, mbus, c, clock.NewLiveClock(nil), DefaultConfig(), WithReader(mem))
	hist := &historicalClient{fakeClient: newFakeClient("binance-01", "BINANCE")}
	hist.historical = []catalog.Record{{
		InstrumentID: ethusd,
		DataType:     model.DataTrade,
		Ts:           mustTime("2024-01-02T10:00:00Z"),
		Sequence:     1,
	}}
	_, err := e.RegisterClient(hist)
	require.NoError(t, err)

	ctx := context.Background()
	req := HistoricalRequest{
		InstrumentID: ethusd,
		DataType:     model.DataTrade,
		Start:        mustTime("2024-01-02T09:00:00Z"),
		End:          mustTime("2024-01-02T11:00:00Z"),
	}

	stream, err := e.RequestHistorical(ctx, req)
	require.NoError(t, err)
	rec, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence, "venue client serves when it can")
	require.NoError(t, stream.Close())

	// A venue the client does not own falls through to the catalog reader.
	req.InstrumentID = model.NewInstrumentID("KRAKEN", "ETH-USD")
	stream, err = e.RequestHistorical(ctx, req)
	require.NoError(t, err)
	defer stream.Close()
	_, err = stream.Next(ctx)
	assert.Error(t, err, "reader has no KRAKEN records")
}

func TestEngine_RequestHistoricalTimesOut(t *testing.T) {
	rig := newTestRig(t)

	mem := catalog.NewMemoryCatalog()
	rig.engine.reader = mem

	ctx := context.Background()
	stream, err := rig.engine.RequestHistorical(ctx, HistoricalRequest{
		InstrumentID: model.NewInstrumentID("KRAKEN", "ETH-USD"),
		DataType:     model.DataTrade,
		Start:        mustTime("2024-01-02T09:00:00Z"),
		End:          mustTime("2024-01-02T11:00:00Z"),
		Timeout:      time.Nanosecond,
	})
	require.NoError(t, err)
	defer stream.Close()

	time.Sleep(time.Millisecond)
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, errs.ErrTimeout)
}

func TestEngine_RequestHistoricalRejectsEmptyRange(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.engine.RequestHistorical(context.Background(), HistoricalRequest{
		InstrumentID: ethusd,
		DataType:     model.DataTrade,
		Start:        mustTime("2024-01-02T11:00:00Z"),
		End:          mustTime("2024-01-02T10:00:00Z"),
	})
	assert.ErrorIs(t, err, errs.ErrSubscription)
}

func TestEngine_DataStreamRestartRewinds(t *testing.T) {
	rig := newTestRig(t)
	mem := catalog.NewMemoryCatalog()
	require.NoError(t, mem.Append(context.Background(), catalog.Record{
		InstrumentID: ethusd,
		DataType:     model.DataTrade,
		Ts:           mustTime("2024-01-02T10:00:00Z"),
		Sequence:     1,
	}))
	rig.engine.reader = mem

	ctx := context.Background()
	stream, err := rig.engine.RequestHistorical(ctx, HistoricalRequest{
		InstrumentID: ethusd,
		DataType:     model.DataTrade,
		Start:        mustTime("2024-01-02T09:00:00Z"),
		End:          mustTime("2024-01-02T11:00:00Z"),
	})
	require.NoError(t, err)
	defer stream.Close()

	rec, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)

	require.NoError(t, stream.Restart(ctx))
	rec, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)
}

func TestEngine_InstrumentUpdatesCacheAndBus(t *testing.T) {
	rig := newTestRig(t)

	var seen []model.Instrument
	rig.mbus.Subscribe("data.instrument.BINANCE.ETH-USD", func(msg bus.Message) {
		seen = append(seen, msg.Payload.(model.Instrument))
	})

	inst := model.Instrument{ID: ethusd, PricePrecision: 2, SizePrecision: 3, TickSize: decimal.RequireFromString("0.01")}
	rig.engine.process(rig.handle, inst)

	require.Len(t, seen, 1)
	cached, ok := rig.cache.Instrument(ethusd)
	require.True(t, ok)
	assert.True(t, cached.TickSize.Equal(inst.TickSize))
}
