// Package bars builds OHLCV bars from normalized ticks. One aggregator
// exists per (instrument, bar specification); threshold-driven methods
// (tick, volume, value) close synchronously on the contributing tick,
// time-driven methods close on clock interval boundaries so bar edges
// are bit-for-bit identical between live and replay clocks.
//
// Aggregators are owned and driven exclusively by the engine's
// sequential path; they are not safe for concurrent use.
package bars

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/datacore/internal/model"
)

// Emit receives each closed bar. Bars are immutable once emitted.
type Emit func(bar model.Bar)

// Aggregator consumes ticks for one bar type.
type Aggregator interface {
	BarType() model.BarType

	// OnQuote folds a quote tick in (bid/ask/mid price sources).
	OnQuote(q model.QuoteTick)

	// OnTrade folds a trade tick in (last price source, value notional).
	OnTrade(t model.TradeTick)

	// Stop discards any partially accumulated bar. A bar whose close
	// condition was never met is never emitted.
	Stop()
}

// Config carries aggregation tunables.
type Config struct {
	// GapThreshold is the quiet period after which a new bar is flagged
	// as a gap instead of seeding its open from the prior close.
	// Zero disables gap flagging.
	GapThreshold time.Duration `json:"gap_threshold"`
}

// contribution is the (price, size) a tick feeds into a bar under the
// configured price source, or nothing when the tick type is irrelevant.
func contribution(spec model.BarSpecification, q *model.QuoteTick, tr *model.TradeTick) (decimal.Decimal, decimal.Decimal, bool) {
	switch spec.PriceSource {
	case model.PriceLast:
		if tr == nil {
			return decimal.Decimal{}, decimal.Decimal{}, false
		}
		return tr.Price, tr.Size, true
	case model.PriceBid:
		if q == nil {
			return decimal.Decimal{}, decimal.Decimal{}, false
		}
		return q.BidPrice, q.BidSize, true
	case model.PriceAsk:
		if q == nil {
			return decimal.Decimal{}, decimal.Decimal{}, false
		}
		return q.AskPrice, q.AskSize, true
	case model.PriceMid:
		if q == nil {
			return decimal.Decimal{}, decimal.Decimal{}, false
		}
		size := q.BidSize.Add(q.AskSize).Div(decimal.NewFromInt(2))
		return q.Mid(), size, true
	default:
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
}

// thresholdAggregator closes bars when an accumulated quantity (tick
// count, size, or notional) reaches the configured step, evaluated
// synchronously on each contributing tick. Oversized contributions are
// split across consecutive bars so each bar closes exactly at threshold.
type thresholdAggregator struct {
	barType model.BarType
	emit    Emit
	b       *builder

	// running accumulation toward the step threshold
	acc       decimal.Decimal
	threshold decimal.Decimal
}

func newThresholdAggregator(barType model.BarType, cfg Config, emit Emit) *thresholdAggregator {
	return &thresholdAggregator{
		barType:   barType,
		emit:      emit,
		b:         newBuilder(barType, cfg.GapThreshold),
		acc:       decimal.Zero,
		threshold: decimal.NewFromInt(int64(barType.Spec.Step)),
	}
}

func (a *thresholdAggregator) BarType() model.BarType { return a.barType }

func (a *thresholdAggregator) OnQuote(q model.QuoteTick) {
	price, size, ok := contribution(a.barType.Spec, &q, nil)
	if !ok {
		return
	}
	a.applyTick(price, size, q.EventTime)
}

func (a *thresholdAggregator) OnTrade(t model.TradeTick) {
	price, size, ok := contribution(a.barType.Spec, nil, &t)
	if !ok {
		return
	}
	a.applyTick(price, size, t.EventTime)
}

func (a *thresholdAggregator) applyTick(price, size decimal.Decimal, ts time.Time) {
	switch a.barType.Spec.Aggregation {
	case model.AggTick:
		a.b.apply(price, size, ts)
		a.acc = a.acc.Add(decimal.NewFromInt(1))
		if a.acc.GreaterThanOrEqual(a.threshold) {
			a.closeBar(ts)
		}
	case model.AggVolume:
		a.applySplitting(price, size, ts, size)
	case model.AggValue:
		a.applySplitting(price, size, ts, price.Mul(size))
	}
}

// applySplitting folds a contribution whose accumulated quantity may
// overshoot the threshold, splitting it so every bar closes exactly at
// the step and the remainder opens the next bar.
func (a *thresholdAggregator) applySplitting(price, size decimal.Decimal, ts time.Time, quantity decimal.Decimal) {
	for quantity.GreaterThan(decimal.Zero) {
		room := a.threshold.Sub(a.acc)
		if quantity.LessThan(room) {
			a.b.apply(price, size, ts)
			a.acc = a.acc.Add(quantity)
			return
		}

		// Fill the bar exactly to the threshold and close it.
		portion := size
		if quantity.GreaterThan(room) {
			portion = size.Mul(room).Div(quantity)
		}
		a.b.apply(price, portion, ts)
		a.closeBar(ts)

		size = size.Sub(portion)
		quantity = quantity.Sub(room)
	}
}

func (a *thresholdAggregator) closeBar(ts time.Time) {
	bar := a.b.snapshot(ts)
	a.b.reset()
	a.acc = decimal.Zero
	a.emit(bar)
}

func (a *thresholdAggregator) Stop() {
	a.b.discard()
	a.acc = decimal.Zero
}

// NewAggregator builds the aggregator for a bar type. Time-driven specs
// require the caller to drive boundary closes via a TimeAggregator.
func NewAggregator(barType model.BarType, cfg Config, emit Emit) (Aggregator, error) {
	if err := barType.Spec.Validate(); err != nil {
		return nil, err
	}
	if emit == nil {
		return nil, fmt.Errorf("bars: emit callback is required")
	}
	switch barType.Spec.Aggregation {
	case model.AggTick, model.AggVolume, model.AggValue:
		return newThresholdAggregator(barType, cfg, emit), nil
	case model.AggTimeSecond, model.AggTimeMinute:
		return newTimeAggregator(barType, cfg, emit), nil
	default:
		return nil, fmt.Errorf("bars: unsupported aggregation %s", barType.Spec.Aggregation)
	}
}
