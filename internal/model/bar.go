package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BarAggregation is the method that closes a bar.
type BarAggregation uint8

const (
	// AggTick closes after a fixed number of contributing ticks.
	AggTick BarAggregation = iota + 1
	// AggVolume closes after a fixed accumulated size.
	AggVolume
	// AggValue closes after a fixed accumulated notional (price * size).
	AggValue
	// AggTimeSecond closes on wall/simulated clock interval boundaries,
	// step expressed in seconds.
	AggTimeSecond
	// AggTimeMinute is AggTimeSecond with step expressed in minutes.
	AggTimeMinute
)

func (a BarAggregation) String() string {
	switch a {
	case AggTick:
		return "TICK"
	case AggVolume:
		return "VOLUME"
	case AggValue:
		return "VALUE"
	case AggTimeSecond:
		return "SECOND"
	case AggTimeMinute:
		return "MINUTE"
	default:
		return "UNKNOWN"
	}
}

// IsTimeDriven reports whether bar closes are driven by the clock rather
// than by contributing ticks.
func (a BarAggregation) IsTimeDriven() bool {
	return a == AggTimeSecond || a == AggTimeMinute
}

func barAggregationFromString(s string) (BarAggregation, error) {
	switch s {
	case "TICK":
		return AggTick, nil
	case "VOLUME":
		return AggVolume, nil
	case "VALUE":
		return AggValue, nil
	case "SECOND":
		return AggTimeSecond, nil
	case "MINUTE":
		return AggTimeMinute, nil
	default:
		return 0, fmt.Errorf("unknown bar aggregation %q", s)
	}
}

// PriceSource selects which tick price feeds a bar.
type PriceSource uint8

const (
	PriceBid PriceSource = iota + 1
	PriceAsk
	PriceMid
	PriceLast
)

func (p PriceSource) String() string {
	switch p {
	case PriceBid:
		return "BID"
	case PriceAsk:
		return "ASK"
	case PriceMid:
		return "MID"
	case PriceLast:
		return "LAST"
	default:
		return "UNKNOWN"
	}
}

func priceSourceFromString(s string) (PriceSource, error) {
	switch s {
	case "BID":
		return PriceBid, nil
	case "ASK":
		return PriceAsk, nil
	case "MID":
		return PriceMid, nil
	case "LAST":
		return PriceLast, nil
	default:
		return 0, fmt.Errorf("unknown price source %q", s)
	}
}

// BarSpecification describes how bars are built: step count, aggregation
// method, and which tick price feeds the bar.
type BarSpecification struct {
	Step        int            `json:"step"`
	Aggregation BarAggregation `json:"aggregation"`
	PriceSource PriceSource    `json:"price_source"`
}

// Validate rejects non-positive steps and unset enums.
func (s BarSpecification) Validate() error {
	if s.Step <= 0 {
		return fmt.Errorf("bar step must be positive, got %d", s.Step)
	}
	if s.Aggregation.String() == "UNKNOWN" {
		return fmt.Errorf("bar aggregation unset")
	}
	if s.PriceSource.String() == "UNKNOWN" {
		return fmt.Errorf("bar price source unset")
	}
	return nil
}

func (s BarSpecification) String() string {
	return fmt.Sprintf("%d-%s-%s", s.Step, s.Aggregation, s.PriceSource)
}

// Interval returns the bar duration for time-driven aggregations and
// zero for threshold-driven ones.
func (s BarSpecification) Interval() time.Duration {
	switch s.Aggregation {
	case AggTimeSecond:
		return time.Duration(s.Step) * time.Second
	case AggTimeMinute:
		return time.Duration(s.Step) * time.Minute
	default:
		return 0
	}
}

// BarType identifies a bar stream: one instrument plus one specification.
// Canonical string form: "BTC-USD.BINANCE-1-MINUTE-LAST".
type BarType struct {
	InstrumentID InstrumentID     `json:"instrument_id"`
	Spec         BarSpecification `json:"spec"`
}

func NewBarType(id InstrumentID, spec BarSpecification) BarType {
	return BarType{InstrumentID: id, Spec: spec}
}

func (b BarType) String() string {
	return fmt.Sprintf("%s-%s", b.InstrumentID, b.Spec)
}

// ParseBarType parses the canonical bar type form produced by String.
func ParseBarType(s string) (BarType, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 4 {
		return BarType{}, fmt.Errorf("invalid bar type %q", s)
	}
	src, err := priceSourceFromString(parts[len(parts)-1])
	if err != nil {
		return BarType{}, fmt.Errorf("invalid bar type %q: %w", s, err)
	}
	agg, err := barAggregationFromString(parts[len(parts)-2])
	if err != nil {
		return BarType{}, fmt.Errorf("invalid bar type %q: %w", s, err)
	}
	step, err := strconv.Atoi(parts[len(parts)-3])
	if err != nil {
		return BarType{}, fmt.Errorf("invalid bar type %q: bad step: %w", s, err)
	}
	id, err := ParseInstrumentID(strings.Join(parts[:len(parts)-3], "-"))
	if err != nil {
		return BarType{}, fmt.Errorf("invalid bar type %q: %w", s, err)
	}
	return BarType{
		InstrumentID: id,
		Spec:         BarSpecification{Step: step, Aggregation: agg, PriceSource: src},
	}, nil
}

// Bar is one closed OHLCV bar. Bars are immutable once emitted; a bar
// whose close condition was never met is discarded, never published.
type Bar struct {
	Type      BarType         `json:"type"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	TsOpen    time.Time       `json:"ts_open"`
	TsClose   time.Time       `json:"ts_close"`
	TickCount int             `json:"tick_count"`
	// IsGap marks a bar whose open was not seeded from the prior close
	// because the quiet period exceeded the configured gap threshold.
	IsGap bool `json:"is_gap,omitempty"`
}
