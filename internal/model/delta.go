package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookType selects the granularity an order book is maintained at.
type BookType uint8

const (
	// BookMBP aggregates size per price level (market-by-price, L2).
	BookMBP BookType = iota + 1
	// BookMBO keeps discrete orders per price level (market-by-order, L3).
	BookMBO
)

func (b BookType) String() string {
	switch b {
	case BookMBP:
		return "MBP"
	case BookMBO:
		return "MBO"
	default:
		return "UNKNOWN"
	}
}

// BookAction is the mutation a delta applies to a book.
type BookAction uint8

const (
	ActionAdd BookAction = iota + 1
	ActionUpdate
	ActionDelete
	ActionClear
)

func (a BookAction) String() string {
	switch a {
	case ActionAdd:
		return "ADD"
	case ActionUpdate:
		return "UPDATE"
	case ActionDelete:
		return "DELETE"
	case ActionClear:
		return "CLEAR"
	default:
		return "UNKNOWN"
	}
}

// Delta flags. FlagSnapshotEnd marks the final delta of a snapshot batch;
// until it is seen the book is still loading the authoritative image.
const (
	FlagSnapshot    uint8 = 1 << 0
	FlagSnapshotEnd uint8 = 1 << 1
	FlagLast        uint8 = 1 << 2
)

// OrderBookDelta is one normalized book mutation. For MBP books OrderID
// is empty and Size is the new aggregate size at Price; for MBO books
// OrderID identifies the discrete order affected.
type OrderBookDelta struct {
	InstrumentID InstrumentID    `json:"instrument_id"`
	Action       BookAction      `json:"action"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	OrderID      string          `json:"order_id,omitempty"`
	Flags        uint8           `json:"flags"`
	Sequence     uint64          `json:"sequence"`
	EventTime    time.Time       `json:"event_time"`
	InitTime     time.Time       `json:"init_time"`
}

func (d OrderBookDelta) Instrument() InstrumentID { return d.InstrumentID }
func (d OrderBookDelta) TsEvent() time.Time       { return d.EventTime }
func (d OrderBookDelta) TsInit() time.Time        { return d.InitTime }
func (d OrderBookDelta) Seq() uint64              { return d.Sequence }

// IsSnapshotEnd reports whether this delta completes a snapshot batch.
func (d OrderBookDelta) IsSnapshotEnd() bool {
	return d.Flags&FlagSnapshotEnd != 0
}
