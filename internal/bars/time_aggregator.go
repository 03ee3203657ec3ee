package bars

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/datacore/internal/model"
)

// TimeAggregator closes bars on interval boundaries. Boundaries are
// computed by truncating timestamps to the interval, so a 60s bar
// covering [10:00:00, 10:01:00) closes at exactly 10:01:00 whether the
// close is driven by a live timer event or, during replay, by the first
// tick that already belongs to the next interval. Either path yields
// identical bars given identical input timestamps.
//
// An interval with zero contributing ticks emits nothing: there is no
// price to build a bar from, and bridging would fabricate data.
type TimeAggregator struct {
	barType  model.BarType
	interval time.Duration
	emit     Emit
	b        *builder

	nextBoundary time.Time
}

func newTimeAggregator(barType model.BarType, cfg Config, emit Emit) *TimeAggregator {
	return &TimeAggregator{
		barType:  barType,
		interval: barType.Spec.Interval(),
		emit:     emit,
		b:        newBuilder(barType, cfg.GapThreshold),
	}
}

func (a *TimeAggregator) BarType() model.BarType { return a.barType }

// Interval returns the bar duration, used by the engine to schedule the
// boundary timer.
func (a *TimeAggregator) Interval() time.Duration { return a.interval }

// TimerName returns the engine timer name for this bar stream.
func (a *TimeAggregator) TimerName() string { return "bars." + a.barType.String() }

func (a *TimeAggregator) OnQuote(q model.QuoteTick) {
	price, size, ok := contribution(a.barType.Spec, &q, nil)
	if !ok {
		return
	}
	a.applyTick(price, size, q.EventTime)
}

func (a *TimeAggregator) OnTrade(t model.TradeTick) {
	price, size, ok := contribution(a.barType.Spec, nil, &t)
	if !ok {
		return
	}
	a.applyTick(price, size, t.EventTime)
}

func (a *TimeAggregator) applyTick(price, size decimal.Decimal, ts time.Time) {
	if a.nextBoundary.IsZero() {
		a.nextBoundary = ts.Truncate(a.interval).Add(a.interval)
	}
	// Ticks belonging to later intervals close every elapsed boundary
	// before contributing (the replay path; live timers usually fire
	// first).
	for !ts.Before(a.nextBoundary) {
		a.closeBoundary()
	}
	a.b.apply(price, size, ts)
}

// OnTime handles a fired boundary timer event.
func (a *TimeAggregator) OnTime(at time.Time) {
	if a.nextBoundary.IsZero() {
		a.nextBoundary = at.Truncate(a.interval).Add(a.interval)
		return
	}
	for !at.Before(a.nextBoundary) {
		a.closeBoundary()
	}
}

func (a *TimeAggregator) closeBoundary() {
	boundary := a.nextBoundary
	a.nextBoundary = boundary.Add(a.interval)

	if !a.b.building || a.b.count == 0 {
		return
	}
	bar := a.b.snapshot(boundary)
	// Time bars cover the whole interval, not just the ticked span.
	bar.TsOpen = boundary.Add(-a.interval)
	a.b.reset()
	a.emit(bar)
}

// Stop discards the partially accumulated bar.
func (a *TimeAggregator) Stop() {
	a.b.discard()
}
