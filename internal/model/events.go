package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookLevel is one immutable price level in a published book snapshot.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	// Orders is the order count at the level (MBO books only).
	Orders int `json:"orders,omitempty"`
}

// BookUpdate is the immutable snapshot the engine publishes after a book
// mutation changed observable state. Subscribers never see the live book.
type BookUpdate struct {
	InstrumentID InstrumentID `json:"instrument_id"`
	Type         BookType     `json:"type"`
	Bids         []BookLevel  `json:"bids"`
	Asks         []BookLevel  `json:"asks"`
	Sequence     uint64       `json:"sequence"`
	EventTime    time.Time    `json:"event_time"`
}

// BestBid returns the top bid level, if any.
func (u BookUpdate) BestBid() (BookLevel, bool) {
	if len(u.Bids) == 0 {
		return BookLevel{}, false
	}
	return u.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (u BookUpdate) BestAsk() (BookLevel, bool) {
	if len(u.Asks) == 0 {
		return BookLevel{}, false
	}
	return u.Asks[0], true
}

// ResyncRequired signals that an instrument's book went stale (sequence
// gap or crossed market) and needs a fresh authoritative snapshot.
type ResyncRequired struct {
	InstrumentID InstrumentID `json:"instrument_id"`
	Reason       string       `json:"reason"`
	Sequence     uint64       `json:"sequence"`
	EventTime    time.Time    `json:"event_time"`
}

// ClientDegraded signals that a venue client lost connectivity; its
// delivery is paused, not destroyed.
type ClientDegraded struct {
	ClientID  string    `json:"client_id"`
	Venue     Venue     `json:"venue"`
	EventTime time.Time `json:"event_time"`
}

// ClientRestored signals that a degraded venue client reconnected and
// re-established its subscriptions.
type ClientRestored struct {
	ClientID  string    `json:"client_id"`
	Venue     Venue     `json:"venue"`
	EventTime time.Time `json:"event_time"`
}
