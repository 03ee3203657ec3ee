// Package model defines the normalized market-data domain: instruments,
// ticks, order-book deltas, bars, and the events the engine publishes.
// Everything venue adapters deliver is expressed in these types; the
// core never sees raw wire formats.
package model

import (
	"fmt"
	"strings"
)

// Venue identifies a trading venue, e.g. "BINANCE".
type Venue string

func (v Venue) String() string { return string(v) }

// InstrumentID uniquely identifies an instrument as venue plus symbol.
// The canonical string form is "SYMBOL.VENUE", e.g. "BTC-USD.BINANCE".
type InstrumentID struct {
	Venue  Venue  `json:"venue"`
	Symbol string `json:"symbol"`
}

// NewInstrumentID returns the id for a venue/symbol pair.
func NewInstrumentID(venue Venue, symbol string) InstrumentID {
	return InstrumentID{Venue: venue, Symbol: symbol}
}

func (id InstrumentID) String() string {
	return id.Symbol + "." + string(id.Venue)
}

// IsZero reports whether the id is unset.
func (id InstrumentID) IsZero() bool {
	return id.Venue == "" && id.Symbol == ""
}

// ParseInstrumentID parses the canonical "SYMBOL.VENUE" form. The venue
// is the portion after the last dot so symbols may contain dots.
func ParseInstrumentID(s string) (InstrumentID, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return InstrumentID{}, fmt.Errorf("invalid instrument id %q", s)
	}
	return InstrumentID{Venue: Venue(s[i+1:]), Symbol: s[:i]}, nil
}
