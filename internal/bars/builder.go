package bars

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfabric/datacore/internal/model"
)

// builder accumulates one in-progress bar. It also carries the prior
// close so a new bar's open can be seeded for continuity, and the time
// of the last contributing tick so quiet periods exceeding the gap
// threshold flag the next bar instead of silently bridging it.
type builder struct {
	barType      model.BarType
	gapThreshold time.Duration

	open, high, low, close decimal.Decimal
	volume                 decimal.Decimal
	count                  int
	building               bool
	isGap                  bool
	tsOpen                 time.Time

	lastClose     decimal.Decimal
	haveLastClose bool
	lastTickAt    time.Time
}

func newBuilder(barType model.BarType, gapThreshold time.Duration) *builder {
	return &builder{
		barType:      barType,
		gapThreshold: gapThreshold,
		volume:       decimal.Zero,
	}
}

// apply folds one contributing price/size into the bar.
func (b *builder) apply(price, size decimal.Decimal, ts time.Time) {
	if !b.building {
		b.start(price, ts)
	}
	if price.GreaterThan(b.high) {
		b.high = price
	}
	if price.LessThan(b.low) {
		b.low = price
	}
	b.close = price
	b.volume = b.volume.Add(size)
	b.count++
	b.lastTickAt = ts
}

func (b *builder) start(price decimal.Decimal, ts time.Time) {
	b.building = true
	b.isGap = false
	b.tsOpen = ts
	b.count = 0
	b.volume = decimal.Zero

	seed := price
	if b.haveLastClose {
		quiet := ts.Sub(b.lastTickAt)
		if b.gapThreshold > 0 && quiet > b.gapThreshold {
			b.isGap = true
		} else {
			seed = b.lastClose
		}
	}
	b.open = seed
	b.high = seed
	b.low = seed
	b.close = seed
}

// snapshot returns the bar closed at tsClose. The caller decides the
// close condition; snapshot never checks one.
func (b *builder) snapshot(tsClose time.Time) model.Bar {
	return model.Bar{
		Type:      b.barType,
		Open:      b.open,
		High:      b.high,
		Low:       b.low,
		Close:     b.close,
		Volume:    b.volume,
		TsOpen:    b.tsOpen,
		TsClose:   tsClose,
		TickCount: b.count,
		IsGap:     b.isGap,
	}
}

// reset finishes the current bar, remembering its close for seeding.
func (b *builder) reset() {
	if b.building {
		b.lastClose = b.close
		b.haveLastClose = true
	}
	b.building = false
	b.count = 0
	b.volume = decimal.Zero
	b.isGap = false
}

// discard drops a partial bar without remembering anything: used at
// shutdown so consumers never see a bar whose close condition was unmet.
func (b *builder) discard() {
	b.building = false
	b.count = 0
	b.volume = decimal.Zero
	b.isGap = false
}
