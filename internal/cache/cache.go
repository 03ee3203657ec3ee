// Package cache holds the current normalized state: instruments, latest
// ticks, book snapshots, and recent bars. The engine is the single
// writer; every other component reads copies. An optional mirror pushes
// snapshots to Redis for out-of-process readers, strictly best effort.
package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quantfabric/datacore/internal/bus"
	"github.com/quantfabric/datacore/internal/model"
)

// Mirror replicates cache writes to an external store. Implementations
// must tolerate being called on the engine's hot path: failures are
// reported via the returned error and never retried here.
type Mirror interface {
	WriteQuote(ctx context.Context, q model.QuoteTick) error
	WriteTrade(ctx context.Context, t model.TradeTick) error
	WriteBook(ctx context.Context, u model.BookUpdate) error
	WriteBar(ctx context.Context, b model.Bar) error
	Close() error
}

// Config carries cache tunables.
type Config struct {
	// BarCapacity is how many closed bars are retained per bar type.
	BarCapacity int `json:"bar_capacity"`
	// MirrorTimeout bounds each mirror write.
	MirrorTimeout time.Duration `json:"mirror_timeout"`
}

// DefaultConfig returns the cache defaults.
func DefaultConfig() Config {
	return Config{BarCapacity: 1024, MirrorTimeout: 250 * time.Millisecond}
}

// Cache is the single-writer snapshot store. Only the engine mutates it;
// it is not synchronized internally because all writes and reads happen
// on the engine's sequential path, and external readers go through the
// mirror or published events instead.
type Cache struct {
	logger *zap.Logger
	cfg    Config
	mbus   *bus.MessageBus
	mirror Mirror

	instruments map[model.InstrumentID]model.Instrument
	quotes      map[model.InstrumentID]model.QuoteTick
	trades      map[model.InstrumentID]model.TradeTick
	books       map[model.InstrumentID]model.BookUpdate
	bars        map[string]*barRing
}

// New returns an empty cache. The bus carries invalidation notices;
// mirror may be nil.
func New(logger *zap.Logger, cfg Config, mbus *bus.MessageBus, mirror Mirror) *Cache {
	if cfg.BarCapacity <= 0 {
		cfg.BarCapacity = DefaultConfig().BarCapacity
	}
	return &Cache{
		logger:      logger.Named("cache"),
		cfg:         cfg,
		mbus:        mbus,
		mirror:      mirror,
		instruments: make(map[model.InstrumentID]model.Instrument),
		quotes:      make(map[model.InstrumentID]model.QuoteTick),
		trades:      make(map[model.InstrumentID]model.TradeTick),
		books:       make(map[model.InstrumentID]model.BookUpdate),
		bars:        make(map[string]*barRing),
	}
}

// AddInstrument stores an instrument definition.
func (c *Cache) AddInstrument(inst model.Instrument) {
	c.instruments[inst.ID] = inst
}

// Instrument looks an instrument up by id.
func (c *Cache) Instrument(id model.InstrumentID) (model.Instrument, bool) {
	inst, ok := c.instruments[id]
	return inst, ok
}

// Instruments returns all known instruments.
func (c *Cache) Instruments() []model.Instrument {
	out := make([]model.Instrument, 0, len(c.instruments))
	for _, inst := range c.instruments {
		out = append(out, inst)
	}
	return out
}

// UpdateQuote stores the latest quote for an instrument.
func (c *Cache) UpdateQuote(q model.QuoteTick) {
	c.quotes[q.InstrumentID] = q
	c.mirrorWrite(func(ctx context.Context) error { return c.mirror.WriteQuote(ctx, q) })
}

// Quote returns the latest quote for an instrument.
func (c *Cache) Quote(id model.InstrumentID) (model.QuoteTick, bool) {
	q, ok := c.quotes[id]
	return q, ok
}

// UpdateTrade stores the latest trade for an instrument.
func (c *Cache) UpdateTrade(t model.TradeTick) {
	c.trades[t.InstrumentID] = t
	c.mirrorWrite(func(ctx context.Context) error { return c.mirror.WriteTrade(ctx, t) })
}

// Trade returns the latest trade for an instrument.
func (c *Cache) Trade(id model.InstrumentID) (model.TradeTick, bool) {
	t, ok := c.trades[id]
	return t, ok
}

// UpdateBook stores a book snapshot.
func (c *Cache) UpdateBook(u model.BookUpdate) {
	c.books[u.InstrumentID] = u
	c.mirrorWrite(func(ctx context.Context) error { return c.mirror.WriteBook(ctx, u) })
}

// Book returns the latest book snapshot for an instrument.
func (c *Cache) Book(id model.InstrumentID) (model.BookUpdate, bool) {
	u, ok := c.books[id]
	return u, ok
}

// InvalidateBook drops a book snapshot (a resync is rebuilding it) and
// publishes an invalidation notice so external views refresh.
func (c *Cache) InvalidateBook(id model.InstrumentID) {
	delete(c.books, id)
	c.mbus.Publish("cache.invalidate.book."+string(id.Venue)+"."+id.Symbol, id)
}

// AddBar appends a closed bar to the per-type ring.
func (c *Cache) AddBar(bar model.Bar) {
	key := bar.Type.String()
	ring, ok := c.bars[key]
	if !ok {
		ring = newBarRing(c.cfg.BarCapacity)
		c.bars[key] = ring
	}
	ring.push(bar)
	c.mirrorWrite(func(ctx context.Context) error { return c.mirror.WriteBar(ctx, bar) })
}

// Bars returns up to n most recent bars for a bar type, newest first.
// n <= 0 returns all retained bars.
func (c *Cache) Bars(bt model.BarType, n int) []model.Bar {
	ring, ok := c.bars[bt.String()]
	if !ok {
		return nil
	}
	return ring.latest(n)
}

// LastBar returns the most recent bar for a bar type.
func (c *Cache) LastBar(bt model.BarType) (model.Bar, bool) {
	bars := c.Bars(bt, 1)
	if len(bars) == 0 {
		return model.Bar{}, false
	}
	return bars[0], true
}

func (c *Cache) mirrorWrite(write func(ctx context.Context) error) {
	if c.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.mirrorTimeout())
	defer cancel()
	if err := write(ctx); err != nil {
		c.logger.Warn("cache mirror write failed", zap.Error(err))
	}
}

func (c *Cache) mirrorTimeout() time.Duration {
	if c.cfg.MirrorTimeout > 0 {
		return c.cfg.MirrorTimeout
	}
	return DefaultConfig().MirrorTimeout
}
