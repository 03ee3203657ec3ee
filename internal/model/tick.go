package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the book side an order or trade rests on.
type Side uint8

const (
	SideNone Side = iota
	SideBid
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "BID"
	case SideAsk:
		return "ASK"
	default:
		return "NONE"
	}
}

// Tick is a normalized market update carrying both the venue timestamp
// (TsEvent) and the local ingestion timestamp (TsInit), plus the
// per-stream monotonic sequence assigned by the venue feed.
type Tick interface {
	Instrument() InstrumentID
	TsEvent() time.Time
	TsInit() time.Time
	Seq() uint64
}

// QuoteTick is a top-of-book quote update.
type QuoteTick struct {
	InstrumentID InstrumentID    `json:"instrument_id"`
	BidPrice     decimal.Decimal `json:"bid_price"`
	AskPrice     decimal.Decimal `json:"ask_price"`
	BidSize      decimal.Decimal `json:"bid_size"`
	AskSize      decimal.Decimal `json:"ask_size"`
	Sequence     uint64          `json:"sequence"`
	EventTime    time.Time       `json:"event_time"`
	InitTime     time.Time       `json:"init_time"`
}

func (q QuoteTick) Instrument() InstrumentID { return q.InstrumentID }
func (q QuoteTick) TsEvent() time.Time       { return q.EventTime }
func (q QuoteTick) TsInit() time.Time        { return q.InitTime }
func (q QuoteTick) Seq() uint64              { return q.Sequence }

// Mid returns the quote midpoint price.
func (q QuoteTick) Mid() decimal.Decimal {
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}

// TradeTick is a normalized trade execution. Side is the aggressor side:
// SideBid means a buyer lifted the offer.
type TradeTick struct {
	InstrumentID InstrumentID    `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	Side         Side            `json:"side"`
	TradeID      string          `json:"trade_id"`
	Sequence     uint64          `json:"sequence"`
	EventTime    time.Time       `json:"event_time"`
	InitTime     time.Time       `json:"init_time"`
}

func (t TradeTick) Instrument() InstrumentID { return t.InstrumentID }
func (t TradeTick) TsEvent() time.Time       { return t.EventTime }
func (t TradeTick) TsInit() time.Time        { return t.InitTime }
func (t TradeTick) Seq() uint64              { return t.Sequence }
